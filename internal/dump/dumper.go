package dump

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"edgecli/internal/client"
	"edgecli/internal/edgeql"
	"edgecli/internal/logging"

	"github.com/google/uuid"
)

// Stats summarises a dump or restore.
type Stats struct {
	Types   int
	Objects int
	Links   int
}

// Dump writes the schema and every object of the connection's database
// to w. The read runs in a serializable read-only transaction when the
// connection is not already in one.
func Dump(ctx context.Context, conn client.Conn, w io.Writer) (*Header, *Stats, error) {
	log := logging.Get(logging.CategoryDump)
	timer := logging.StartTimer(logging.CategoryDump, "dump "+conn.Database())
	defer timer.Stop()

	if conn.State() == client.NotInTransaction {
		if _, err := conn.Execute(ctx, "START TRANSACTION ISOLATION SERIALIZABLE, READ ONLY;"); err != nil {
			return nil, nil, fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer conn.Execute(context.Background(), "ROLLBACK;")
	}

	version, err := conn.ServerVersion(ctx)
	if err != nil {
		return nil, nil, err
	}
	ddl, err := client.DescribeSchemaDDL(ctx, conn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to describe schema: %w", err)
	}
	types, err := client.ObjectTypesForDump(ctx, conn)
	if err != nil {
		return nil, nil, err
	}

	h := &Header{
		DumpID:        uuid.NewString(),
		ServerVersion: version,
		Database:      conn.Database(),
		CreatedAt:     time.Now().UTC(),
	}
	for _, t := range types {
		h.Types = append(h.Types, t.Name)
	}

	dw, err := NewWriter(w)
	if err != nil {
		return nil, nil, err
	}
	if err := dw.WriteHeader(h); err != nil {
		return nil, nil, err
	}
	if err := dw.WriteSchema(ddl); err != nil {
		return nil, nil, err
	}

	stats := &Stats{Types: len(types)}
	for _, t := range types {
		res, err := conn.Query(ctx, selectQuery(t), map[string]interface{}{"tname": t.Name}, client.FormatJSONElements)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", t.Name, err)
		}
		for start := 0; start < len(res.Elements); start += MaxChunkObjects {
			end := min(start+MaxChunkObjects, len(res.Elements))
			chunk := &DataChunk{Type: t.Name, Objects: make([]json.RawMessage, 0, end-start)}
			for _, e := range res.Elements[start:end] {
				chunk.Objects = append(chunk.Objects, json.RawMessage(e))
			}
			if err := dw.WriteData(chunk); err != nil {
				return nil, nil, err
			}
		}
		stats.Objects += len(res.Elements)
		log.Debug("dumped %d objects of %s", len(res.Elements), t.Name)
	}
	if err := dw.Close(); err != nil {
		return nil, nil, err
	}
	log.Info("dumped %s: %d types, %d objects", h.Database, stats.Types, stats.Objects)
	return h, stats, nil
}

// selectQuery reads objects of exactly type t, excluding subtypes, with
// links reduced to target ids.
func selectQuery(t client.TypeInfo) string {
	fields := []string{"id"}
	for _, p := range t.Properties {
		fields = append(fields, edgeql.QuoteIdent(p.Name))
	}
	for _, l := range t.Links {
		fields = append(fields, edgeql.QuoteIdent(l.Name)+": { id }")
	}
	return fmt.Sprintf("SELECT %s { %s } FILTER .__type__.name = <str>$tname",
		edgeql.QuoteName(t.Name), strings.Join(fields, ", "))
}
