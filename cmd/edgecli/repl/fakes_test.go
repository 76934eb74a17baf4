package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"edgecli/internal/client"
	"edgecli/internal/config"
	"edgecli/internal/edgeql"
	"edgecli/internal/ui"
)

// fakeConn answers statements from canned JSON results and tracks the
// transaction state the way the server would.
type fakeConn struct {
	db      string
	state   client.TxState
	results map[string]string
	errs    map[string]error
	sent    []string
	closed  bool
}

func newFakeConn(db string) *fakeConn {
	return &fakeConn{db: db, results: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeConn) Query(_ context.Context, q string, _ map[string]interface{}, format client.IOFormat) (*client.Result, error) {
	stmt := edgeql.Classify(q)
	f.sent = append(f.sent, stmt.Text)
	if err, ok := f.errs[stmt.Text]; ok {
		if f.state == client.InTransaction {
			f.state = client.InFailedTransaction
		}
		return nil, err
	}
	switch stmt.Tx {
	case edgeql.TxStart:
		f.state = client.InTransaction
	case edgeql.TxCommit, edgeql.TxRollback:
		f.state = client.NotInTransaction
	}

	data, ok := f.results[stmt.Text]
	if !ok {
		data = "[]"
	}
	res := &client.Result{Status: stmt.Status, Format: format}
	switch format {
	case client.FormatJSON:
		res.JSON = data
	case client.FormatJSONElements:
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(data), &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			res.Elements = append(res.Elements, string(it))
		}
	default:
		v, err := client.DecodeJSON([]byte(data))
		if err != nil {
			return nil, err
		}
		res.Values = v.([]interface{})
	}
	return res, nil
}

func (f *fakeConn) Execute(ctx context.Context, script string) (string, error) {
	res, err := f.Query(ctx, script, nil, client.FormatJSON)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (f *fakeConn) GraphQL(context.Context, string, map[string]interface{}, string) (json.RawMessage, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeConn) State() client.TxState { return f.state }
func (f *fakeConn) Database() string      { return f.db }
func (f *fakeConn) ServerVersion(context.Context) (string, error) {
	return "3.0", nil
}
func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type memHistory struct {
	mu      sync.Mutex
	entries map[string][]string
}

func newMemHistory() *memHistory {
	return &memHistory{entries: map[string][]string{}}
}

func (h *memHistory) AppendHistory(_ context.Context, key, entry string, limit int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.entries[key], entry)
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	h.entries[key] = list
	return nil
}

func (h *memHistory) History(_ context.Context, key string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.entries[key]...), nil
}

func newTestEngine(conn *fakeConn, hist *memHistory) *Engine {
	opts := Options{
		Conn:       conn,
		Settings:   NewSettings(config.DefaultREPLConfig()),
		HistoryKey: "inst:test",
		Styles:     ui.PlainStyles(),
	}
	if hist != nil {
		opts.History = hist
	}
	return NewEngine(opts)
}

func run(e *Engine, input string) (string, Outcome) {
	var sb strings.Builder
	out := e.Run(context.Background(), input, &sb)
	return sb.String(), out
}
