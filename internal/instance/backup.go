package instance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"edgecli/internal/client"
	"edgecli/internal/dump"
	"edgecli/internal/edgeql"
	"edgecli/internal/logging"
)

// Connector opens a connection; client.Connect wrapped to return the
// interface.
type Connector func(ctx context.Context, p client.Params) (client.Conn, error)

// DefaultConnector connects over HTTP.
func DefaultConnector(ctx context.Context, p client.Params) (client.Conn, error) {
	c, err := client.Connect(ctx, p)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DumpBackup implements Backup with logical dumps, one file per database.
type DumpBackup struct {
	Connect Connector
}

func NewDumpBackup() *DumpBackup {
	return &DumpBackup{Connect: DefaultConnector}
}

func dumpPath(dir, db string) string {
	return filepath.Join(dir, db+".dump")
}

// DumpAll dumps every database of the instance into dir and returns their
// names.
func (b *DumpBackup) DumpAll(ctx context.Context, creds *client.Credentials, dir string) ([]string, error) {
	admin, err := b.Connect(ctx, creds.Params())
	if err != nil {
		return nil, err
	}
	dbs, err := client.ListDatabases(ctx, admin)
	admin.Close()
	if err != nil {
		return nil, err
	}

	for _, db := range dbs {
		if err := b.dumpOne(ctx, creds, db, dumpPath(dir, db)); err != nil {
			return nil, fmt.Errorf("database %s: %w", db, err)
		}
	}
	return dbs, nil
}

func (b *DumpBackup) dumpOne(ctx context.Context, creds *client.Credentials, db, path string) error {
	p := creds.Params()
	p.Database = db
	conn, err := b.Connect(ctx, p)
	if err != nil {
		return err
	}
	defer conn.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	_, stats, err := dump.Dump(ctx, conn, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logging.Get(logging.CategoryInstance).Debug("dumped %s: %d objects", db, stats.Objects)
	return nil
}

// RestoreAll creates each database that does not exist yet and restores
// its dump.
func (b *DumpBackup) RestoreAll(ctx context.Context, creds *client.Credentials, dir string, dbs []string) error {
	admin, err := b.Connect(ctx, creds.Params())
	if err != nil {
		return err
	}
	existing, err := client.ListDatabases(ctx, admin)
	if err != nil {
		admin.Close()
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, db := range existing {
		have[db] = true
	}
	for _, db := range dbs {
		if have[db] {
			continue
		}
		if _, err := admin.Execute(ctx, "CREATE DATABASE "+edgeql.QuoteIdent(db)+";"); err != nil {
			admin.Close()
			return fmt.Errorf("failed to create database %s: %w", db, err)
		}
	}
	admin.Close()

	for _, db := range dbs {
		if err := b.restoreOne(ctx, creds, db, dumpPath(dir, db)); err != nil {
			return fmt.Errorf("database %s: %w", db, err)
		}
	}
	return nil
}

func (b *DumpBackup) restoreOne(ctx context.Context, creds *client.Credentials, db, path string) error {
	p := creds.Params()
	p.Database = db
	conn, err := b.Connect(ctx, p)
	if err != nil {
		return err
	}
	defer conn.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _, err = dump.Restore(ctx, conn, f)
	return err
}
