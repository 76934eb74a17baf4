package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"edgecli/internal/client"
	"edgecli/internal/install"
	"edgecli/internal/instance"
	"edgecli/internal/pkgindex"
	"edgecli/internal/store"

	"go.uber.org/zap"
)

// target is where a command connects: resolved parameters plus the key
// shell history is kept under.
type target struct {
	Params     client.Params
	Instance   string
	HistoryKey string
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

// readPassword reads one line from r a byte at a time so whatever follows
// the password stays available to the query reader.
func readPassword(r io.Reader) (string, error) {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			sb.WriteByte(b[0])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
	}
	return strings.TrimSuffix(sb.String(), "\r"), nil
}

func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state %s: %w", cfg.StatePath(), err)
	}
	return st, nil
}

// resolveTarget applies the connection precedence. With no DSN, instance
// or host given, the instance linked to the working directory is used.
func resolveTarget(ctx context.Context, st *store.Store, stdin io.Reader) (*target, error) {
	opts := client.ResolveOptions{
		DSN:            dsn,
		Instance:       instanceName,
		CredentialsDir: cfg.Instances.CredentialsDir,
		Host:           host,
		Port:           port,
		User:           user,
		Database:       database,
		Defaults: client.Params{
			Host:     cfg.Connection.Host,
			Port:     cfg.Connection.Port,
			User:     cfg.Connection.User,
			Password: cfg.Connection.Password,
			Database: cfg.Connection.Database,
			TLS:      cfg.Connection.TLS,
			Timeout:  cfg.GetConnectTimeout(),
		},
	}
	if opts.DSN == "" && opts.Instance == "" {
		opts.DSN = os.Getenv("EDGEDB_DSN")
	}
	if opts.DSN == "" && opts.Instance == "" {
		opts.Instance = os.Getenv("EDGEDB_INSTANCE")
	}
	if opts.DSN == "" && opts.Instance == "" && opts.Host == "" && opts.Port == 0 && st != nil {
		if wd, err := os.Getwd(); err == nil {
			if name, err := st.ProjectInstance(ctx, wd); err == nil {
				opts.Instance = name
			}
		}
	}
	if passwordFromStdin {
		pw, err := readPassword(stdin)
		if err != nil {
			return nil, err
		}
		opts.Password = pw
	}

	p, err := client.Resolve(opts)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		p.Timeout = timeout
	}

	t := &target{Params: p, Instance: opts.Instance}
	if opts.Instance != "" {
		t.HistoryKey = "inst:" + opts.Instance
	} else {
		t.HistoryKey = "dsn:" + p.DSN()
	}
	return t, nil
}

func connect(ctx context.Context, p client.Params) (client.Conn, error) {
	retry := client.DefaultRetryConfig()
	if cfg.Connection.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.Connection.RetryAttempts
	}
	logger.Debug("Connecting", zap.String("dsn", p.DSN()))
	conn, err := client.Connect(ctx, p, client.WithRetry(retry))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// withConn resolves the target, connects and hands the connection to fn.
func withConn(ctx context.Context, fn func(client.Conn) error) error {
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
	defer conn.Close()
	return fn(conn)
}

func newManager(st *store.Store, out io.Writer) *instance.Manager {
	fetcher := pkgindex.NewFetcher(st, cfg.GetCacheTTL())
	return instance.NewManager(st, instance.Options{
		DataDir:        cfg.Instances.DataDir,
		CredentialsDir: cfg.Instances.CredentialsDir,
		PortRangeStart: cfg.Instances.PortRangeStart,
		Installer:      install.New(filepath.Dir(cfg.Instances.DataDir), cfg.Packages.DownloadDir),
		Index:          instance.NewRemoteIndex(fetcher, cfg.Packages.IndexURL),
		Supervisor:     instance.NewProcessSupervisor(cfg.Instances.RuntimeDir, cfg.GetStopTimeout()),
		Backup:         instance.NewDumpBackup(),
		Out:            out,
	})
}
