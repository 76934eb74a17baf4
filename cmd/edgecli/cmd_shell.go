package main

import (
	"context"
	"os"

	"edgecli/cmd/edgecli/repl"
	"edgecli/internal/client"
	"edgecli/internal/logging"
	"edgecli/internal/ui"

	"github.com/spf13/cobra"
)

// runShell starts the interactive shell on a terminal and the batch loop
// otherwise.
func runShell(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	t, err := resolveTarget(ctx, st, os.Stdin)
	if err != nil {
		return err
	}
	conn, err := connect(ctx, t.Params)
	if err != nil {
		return err
	}

	interactive := isTerminal(os.Stdin) && isTerminal(os.Stdout)
	styles := ui.PlainStyles()
	if interactive {
		styles = ui.NewStyles(ui.DetectTheme())
	}

	params := t.Params
	e := repl.NewEngine(repl.Options{
		Conn: conn,
		Connect: func(ctx context.Context, db string) (client.Conn, error) {
			p := params
			p.Database = db
			return connect(ctx, p)
		},
		Settings:   repl.NewSettings(cfg.REPL),
		History:    st,
		HistoryKey: t.HistoryKey,
		Styles:     styles,
		Color:      interactive,
		Help:       repl.NewHelpRenderer(styles.Theme.IsDark, 80),
	})
	defer e.Close()

	logging.REPL("shell on %s (interactive=%v)", params.DSN(), interactive)
	if interactive {
		return repl.RunInteractive(ctx, e, styles, configFile())
	}
	return repl.RunBatch(ctx, e, cmd.InOrStdin(), cmd.OutOrStdout())
}
