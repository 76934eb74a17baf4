package dump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"edgecli/internal/client"
	"edgecli/internal/edgeql"
	"edgecli/internal/logging"
)

// ErrDatabaseNotEmpty is returned when restoring into a database that
// already has user-defined types.
var ErrDatabaseNotEmpty = errors.New("cannot restore into a non-empty database")

type pendingLink struct {
	typeName string
	objectID string
	link     client.Pointer
	targets  []string
}

// Restore applies a dump read from r to the connection's database, which
// must be empty. Schema and data go in one transaction; objects are
// inserted first and links are set once every object has its new id.
func Restore(ctx context.Context, conn client.Conn, r io.Reader) (*Header, *Stats, error) {
	log := logging.Get(logging.CategoryDump)
	timer := logging.StartTimer(logging.CategoryDump, "restore "+conn.Database())
	defer timer.Stop()

	dr, err := NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	defer dr.Close()
	h := dr.Header()

	existing, err := client.ListObjectTypes(ctx, conn, "")
	if err != nil {
		return nil, nil, err
	}
	if len(existing) > 0 {
		return nil, nil, fmt.Errorf("%w: %s has %d object types", ErrDatabaseNotEmpty, conn.Database(), len(existing))
	}

	ddl, err := dr.Schema()
	if err != nil {
		return nil, nil, err
	}

	if _, err := conn.Execute(ctx, "START TRANSACTION;"); err != nil {
		return nil, nil, err
	}
	stats, err := restoreInTx(ctx, conn, dr, ddl)
	if err != nil {
		if _, rerr := conn.Execute(context.Background(), "ROLLBACK;"); rerr != nil {
			log.Warn("rollback after failed restore into %s: %v", conn.Database(), rerr)
		}
		return nil, nil, err
	}
	if _, err := conn.Execute(ctx, "COMMIT;"); err != nil {
		return nil, nil, err
	}
	log.Info("restored %s into %s: %d objects, %d links", h.DumpID, conn.Database(), stats.Objects, stats.Links)
	return h, stats, nil
}

// restoreInTx applies the schema and the data inside the open
// transaction, so a failure leaves the database empty.
func restoreInTx(ctx context.Context, conn client.Conn, dr *Reader, ddl string) (*Stats, error) {
	if !edgeql.IsBlank(ddl) {
		if _, err := conn.Execute(ctx, ddl); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	types, err := client.ObjectTypesForDump(ctx, conn)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]client.TypeInfo, len(types))
	for _, t := range types {
		byName[t.Name] = t
	}
	return restoreData(ctx, conn, dr, byName)
}

func restoreData(ctx context.Context, conn client.Conn, dr *Reader, types map[string]client.TypeInfo) (*Stats, error) {
	stats := &Stats{}
	ids := make(map[string]string)
	var pending []pendingLink
	seen := make(map[string]bool)

	for {
		chunk, err := dr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		t, ok := types[chunk.Type]
		if !ok {
			return nil, fmt.Errorf("dump contains objects of %s which the schema does not define", chunk.Type)
		}
		if !seen[t.Name] {
			seen[t.Name] = true
			stats.Types++
		}
		insert := insertQuery(t)
		for _, raw := range chunk.Objects {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("invalid %s object: %w", t.Name, err)
			}
			var oldID string
			if err := json.Unmarshal(fields["id"], &oldID); err != nil || oldID == "" {
				return nil, fmt.Errorf("%s object without id", t.Name)
			}

			var out []struct {
				ID string `json:"id"`
			}
			err := client.QueryJSON(ctx, conn, insert, map[string]interface{}{"data": string(raw)}, &out)
			if err != nil {
				return nil, fmt.Errorf("failed to insert %s %s: %w", t.Name, oldID, err)
			}
			if len(out) != 1 {
				return nil, fmt.Errorf("insert of %s %s returned %d rows", t.Name, oldID, len(out))
			}
			ids[oldID] = out[0].ID
			stats.Objects++

			for _, l := range t.Links {
				targets := linkTargets(fields[l.Name])
				if len(targets) > 0 {
					pending = append(pending, pendingLink{typeName: t.Name, objectID: out[0].ID, link: l, targets: targets})
				}
			}
		}
	}

	for _, p := range pending {
		newTargets := make([]string, 0, len(p.targets))
		for _, old := range p.targets {
			id, ok := ids[old]
			if !ok {
				return nil, fmt.Errorf("%s.%s refers to %s which is not in the dump", p.typeName, p.link.Name, old)
			}
			newTargets = append(newTargets, id)
		}
		_, err := conn.Query(ctx, linkQuery(p.typeName, p.link), map[string]interface{}{
			"id":      p.objectID,
			"targets": newTargets,
		}, client.FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to link %s.%s: %w", p.typeName, p.link.Name, err)
		}
		stats.Links += len(newTargets)
	}
	return stats, nil
}

// linkTargets extracts target ids from a dumped link value, which is
// null, {"id": ...} or a list of those.
func linkTargets(raw json.RawMessage) []string {
	type ref struct {
		ID string `json:"id"`
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var one ref
	if err := json.Unmarshal(raw, &one); err == nil && one.ID != "" {
		return []string{one.ID}
	}
	var many []ref
	if err := json.Unmarshal(raw, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, r := range many {
			out = append(out, r.ID)
		}
		return out
	}
	return nil
}

func insertQuery(t client.TypeInfo) string {
	var sets []string
	for _, p := range t.Properties {
		name := edgeql.QuoteIdent(p.Name)
		target := edgeql.QuoteName(p.Target.Name)
		key := edgeql.QuoteString(p.Name)
		if p.Multi() {
			sets = append(sets, fmt.Sprintf("%s := array_unpack(<array<%s>>json_get(d, %s))", name, target, key))
		} else {
			sets = append(sets, fmt.Sprintf("%s := <%s>json_get(d, %s)", name, target, key))
		}
	}
	shape := ""
	if len(sets) > 0 {
		shape = " { " + strings.Join(sets, ", ") + " }"
	}
	return fmt.Sprintf("WITH d := to_json(<str>$data) SELECT (INSERT %s%s) { id }", edgeql.QuoteName(t.Name), shape)
}

func linkQuery(typeName string, l client.Pointer) string {
	target := edgeql.QuoteName(l.Target.Name)
	filter := fmt.Sprintf("(SELECT %s FILTER .id IN array_unpack(<array<uuid>>$targets))", target)
	if !l.Multi() {
		filter = fmt.Sprintf("(SELECT %s FILTER .id = (<array<uuid>>$targets)[0])", target)
	}
	return fmt.Sprintf("UPDATE %s FILTER .id = <uuid>$id SET { %s := %s }",
		edgeql.QuoteName(typeName), edgeql.QuoteIdent(l.Name), filter)
}
