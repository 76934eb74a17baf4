package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"edgecli/internal/client"
	"edgecli/internal/dump"
	"edgecli/internal/edgeql"
	"edgecli/internal/render"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	outputFormat string
	queryFile    string
	graphql      bool
)

// queryCmd runs queries without the shell
var queryCmd = &cobra.Command{
	Use:   "query [QUERY...]",
	Short: "Run one or more queries and print their results",
	Long: `Runs each argument as a query, or the statements of --file ("-" for
stdin). Stops at the first error.

Examples:
  edgecli query 'SELECT 1 + 1'
  edgecli query --output-format tab-separated 'SELECT User { name }'
  edgecli query --graphql '{ User { name } }'`,
	RunE: runQuery,
}

var dumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Dump the current database to FILE",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

var restoreCmd = &cobra.Command{
	Use:   "restore FILE",
	Short: "Restore FILE into the current database, which must be empty",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

// configureCmd changes server configuration
var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Change server configuration",
}

var configureSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Set a server configuration parameter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigure(cmd, configureSetStatement(args[0], args[1]))
	},
}

var configureResetCmd = &cobra.Command{
	Use:   "reset NAME",
	Short: "Reset a server configuration parameter to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigure(cmd, configureResetStatement(args[0]))
	},
}

func init() {
	queryCmd.Flags().StringVar(&outputFormat, "output-format", string(render.ModeJSONPretty), "Output format: default, json, json-pretty, json-lines, tab-separated")
	queryCmd.Flags().StringVarP(&queryFile, "file", "f", "", "Read statements from file (- for stdin)")
	queryCmd.Flags().BoolVar(&graphql, "graphql", false, "Run the queries as GraphQL")

	configureCmd.AddCommand(configureSetCmd)
	configureCmd.AddCommand(configureResetCmd)
}

// collectQueries returns the queries of args and --file in order.
func collectQueries(args []string, file string, stdin io.Reader, splitFile bool) ([]string, error) {
	queries := append([]string(nil), args...)
	if file == "" {
		if len(queries) == 0 {
			return nil, fmt.Errorf("no query given")
		}
		return queries, nil
	}

	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	if !splitFile {
		return append(queries, string(data)), nil
	}
	stmts, rest := edgeql.Split(string(data))
	for _, s := range stmts {
		queries = append(queries, s.Text)
	}
	if !edgeql.IsBlank(rest) {
		queries = append(queries, strings.TrimSpace(rest))
	}
	return queries, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	mode, err := render.ParseMode(outputFormat)
	if err != nil {
		return err
	}
	queries, err := collectQueries(args, queryFile, cmd.InOrStdin(), !graphql)
	if err != nil {
		return err
	}
	opts := render.Options{
		Mode:               mode,
		ExpandStrings:      cfg.REPL.ExpandStrings,
		ImplicitProperties: cfg.REPL.ImplicitProperties,
		IntrospectTypes:    cfg.REPL.IntrospectTypes,
	}

	return withConn(cmd.Context(), func(conn client.Conn) error {
		out := cmd.OutOrStdout()
		for _, q := range queries {
			logger.Debug("Running query", zap.String("query", q), zap.Bool("graphql", graphql))
			if graphql {
				if err := runGraphQL(cmd, conn, q, out); err != nil {
					return err
				}
				continue
			}
			res, err := conn.Query(cmd.Context(), q, nil, mode.IOFormat())
			if err != nil {
				return err
			}
			if err := render.Write(out, res, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func runGraphQL(cmd *cobra.Command, conn client.Conn, q string, out io.Writer) error {
	if err := client.ValidateGraphQL(q); err != nil {
		return err
	}
	data, err := conn.GraphQL(cmd.Context(), q, nil, "")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = out.Write(buf.Bytes())
	return err
}

func runDump(cmd *cobra.Command, args []string) error {
	path := args[0]
	return withConn(cmd.Context(), func(conn client.Conn) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		_, stats, err := dump.Dump(cmd.Context(), conn, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			return err
		}
		logger.Info("Dump written", zap.String("file", path), zap.Int("objects", stats.Objects))
		fmt.Fprintf(cmd.OutOrStdout(), "Dumped %d objects of %d types to %s\n", stats.Objects, stats.Types, path)
		return nil
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return withConn(cmd.Context(), func(conn client.Conn) error {
		hdr, stats, err := dump.Restore(cmd.Context(), conn, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %d objects of %d types from database %s\n", stats.Objects, stats.Types, hdr.Database)
		return nil
	})
}

func configureSetStatement(name, value string) string {
	return fmt.Sprintf("CONFIGURE INSTANCE SET %s := %s;", name, value)
}

func configureResetStatement(name string) string {
	return fmt.Sprintf("CONFIGURE INSTANCE RESET %s;", name)
}

func runConfigure(cmd *cobra.Command, stmt string) error {
	return withConn(cmd.Context(), func(conn client.Conn) error {
		status, err := conn.Execute(cmd.Context(), stmt)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %s\n", status)
		return nil
	})
}
