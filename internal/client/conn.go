package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"edgecli/internal/edgeql"
	"edgecli/internal/logging"

	"github.com/google/uuid"
)

// IOFormat selects how query results are returned.
type IOFormat int

const (
	// FormatBinary returns decoded values.
	FormatBinary IOFormat = iota
	// FormatJSON returns the whole result as one JSON array.
	FormatJSON
	// FormatJSONElements returns one JSON text per element.
	FormatJSONElements
)

func (f IOFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatJSONElements:
		return "json-elements"
	default:
		return "binary"
	}
}

// SessionHeader carries the client session id so the server can keep
// transaction state across requests.
const SessionHeader = "X-EdgeDB-Session"

// Result is the outcome of one statement.
type Result struct {
	Status string
	Format IOFormat
	// Values holds decoded elements for FormatBinary. Numbers are json.Number.
	Values []interface{}
	// JSON holds the result array for FormatJSON.
	JSON string
	// Elements holds one JSON text per element for FormatJSONElements.
	Elements []string
}

// Len returns the number of elements in the result.
func (r *Result) Len() int {
	switch r.Format {
	case FormatJSONElements:
		return len(r.Elements)
	case FormatJSON:
		var items []json.RawMessage
		if json.Unmarshal([]byte(r.JSON), &items) != nil {
			return 0
		}
		return len(items)
	default:
		return len(r.Values)
	}
}

// Conn is a connection to one database.
type Conn interface {
	// Execute runs a script of one or more statements, discarding results,
	// and returns the status of the last statement.
	Execute(ctx context.Context, script string) (string, error)
	// Query runs a single statement.
	Query(ctx context.Context, query string, args map[string]interface{}, format IOFormat) (*Result, error)
	// GraphQL runs a GraphQL query and returns its data member.
	GraphQL(ctx context.Context, query string, variables map[string]interface{}, operation string) (json.RawMessage, error)
	State() TxState
	Database() string
	ServerVersion(ctx context.Context) (string, error)
	Close() error
}

// Option configures an HTTPConn.
type Option func(*HTTPConn)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPConn) { c.http = hc }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(c *HTTPConn) { c.retry = cfg }
}

// HTTPConn implements Conn over the HTTP endpoints.
type HTTPConn struct {
	params  Params
	base    string
	http    *http.Client
	retry   RetryConfig
	session string

	mu     sync.Mutex
	state  TxState
	closed bool
}

// Connect checks the server is alive and returns a connection to
// p.Database.
func Connect(ctx context.Context, p Params, opts ...Option) (*HTTPConn, error) {
	c := &HTTPConn{
		params:  p,
		base:    p.BaseURL(),
		retry:   DefaultRetryConfig(),
		session: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}

	logging.Client("Connecting to %s database=%s", c.base, p.Database)
	err := retry(ctx, c.retry, IsRetryable, func() error {
		return c.ping(ctx)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *HTTPConn) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/server/status/alive", nil)
	if err != nil {
		return wrapError(ClientConnectionFailedError, err, "%v", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return newError(BackendUnavailableError, "server at %s is not ready (HTTP %d)", c.base, resp.StatusCode)
	}
	return nil
}

// State returns the current transaction state.
func (c *HTTPConn) State() TxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Database returns the database this connection talks to.
func (c *HTTPConn) Database() string {
	return c.params.Database
}

// Params returns the parameters the connection was made with.
func (c *HTTPConn) Params() Params {
	return c.params
}

// Query runs one statement.
func (c *HTTPConn) Query(ctx context.Context, query string, args map[string]interface{}, format IOFormat) (*Result, error) {
	stmt := edgeql.Classify(strings.TrimSpace(query))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(ClientConnectionClosedError, "connection is closed")
	}
	if err := admit(c.state, stmt.Tx); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryClient, "query "+stmt.Status)
	defer timer.StopWithThreshold(5 * time.Second)

	var data json.RawMessage
	send := func() error {
		var err error
		data, err = c.post(ctx, "edgeql", map[string]interface{}{
			"query":     stmt.Text,
			"variables": args,
		})
		return err
	}

	var err error
	if c.state == NotInTransaction {
		read := isRead(stmt.Status)
		err = retry(ctx, c.retry, func(err error) bool {
			return HasCode(err, ClientConnectionFailedError) || (read && IsRetryable(err))
		}, send)
	} else {
		err = send()
	}

	c.state = advance(c.state, stmt.Tx, err != nil)
	if err != nil {
		logging.ClientDebug("%s failed: %v (state=%s)", stmt.Status, err, c.state)
		return nil, err
	}

	res, err := decodeResult(data, format)
	if err != nil {
		return nil, err
	}
	res.Status = stmt.Status
	return res, nil
}

// Execute runs every statement of script in order and stops at the first
// error. A trailing statement without a semicolon is run too.
func (c *HTTPConn) Execute(ctx context.Context, script string) (string, error) {
	stmts, rest := edgeql.Split(script)
	if !edgeql.IsBlank(rest) {
		stmts = append(stmts, edgeql.Classify(strings.TrimSpace(rest)))
	}
	status := ""
	for _, s := range stmts {
		res, err := c.Query(ctx, s.Text, nil, FormatJSON)
		if err != nil {
			return status, err
		}
		status = res.Status
	}
	return status, nil
}

// ServerVersion returns the server's version string.
func (c *HTTPConn) ServerVersion(ctx context.Context) (string, error) {
	res, err := c.Query(ctx, "SELECT sys::get_version_as_str()", nil, FormatBinary)
	if err != nil {
		return "", err
	}
	if len(res.Values) != 1 {
		return "", newError(NoDataError, "server returned no version")
	}
	v, ok := res.Values[0].(string)
	if !ok {
		return "", newError(ProtocolError, "unexpected version value %v", res.Values[0])
	}
	return v, nil
}

// Close rolls back an open transaction and releases the connection.
func (c *HTTPConn) Close() error {
	c.mu.Lock()
	inTx := c.state != NotInTransaction && !c.closed
	c.mu.Unlock()

	var err error
	if inTx {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = c.Query(ctx, "ROLLBACK", nil, FormatJSON)
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.http.CloseIdleConnections()
	return err
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    uint32 `json:"code"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"col,omitempty"`
}

type wireResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *wireError      `json:"error"`
}

func (w *wireError) toError() *Error {
	code := Code(w.Code)
	if code == 0 {
		if c, ok := CodeByName(w.Type); ok {
			code = c
		} else {
			code = InternalServerError
		}
	}
	return &Error{
		Code:    code,
		Message: w.Message,
		Details: w.Details,
		Hint:    w.Hint,
		Line:    w.Line,
		Column:  w.Column,
	}
}

// post sends body to /db/{database}/{endpoint} and returns the data member.
func (c *HTTPConn) post(ctx context.Context, endpoint string, body interface{}) (json.RawMessage, error) {
	raw, status, err := c.do(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, wrapError(ProtocolError, err, "unexpected response (HTTP %d): %s", status, truncate(string(raw), 200))
	}
	if wr.Error != nil {
		return nil, wr.Error.toError()
	}
	if status != http.StatusOK {
		return nil, newError(ProtocolError, "unexpected HTTP status %d", status)
	}
	if len(wr.Data) == 0 {
		wr.Data = json.RawMessage("[]")
	}
	return wr.Data, nil
}

// postRaw is post without interpreting the response envelope.
func (c *HTTPConn) postRaw(ctx context.Context, endpoint string, body interface{}) (json.RawMessage, error) {
	raw, status, err := c.do(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, newError(ProtocolError, "unexpected response (HTTP %d): %s", status, truncate(string(raw), 200))
	}
	return raw, nil
}

func (c *HTTPConn) do(ctx context.Context, endpoint string, body interface{}) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, wrapError(QueryArgumentError, err, "cannot encode arguments: %v", err)
	}
	u := c.base + "/db/" + url.PathEscape(c.params.Database) + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, wrapError(InterfaceError, err, "%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SessionHeader, c.session)
	if c.params.User != "" {
		req.SetBasicAuth(c.params.User, c.params.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, wrapError(ClientConnectionClosedError, err, "reading response: %v", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, newError(AuthenticationError, "authentication failed for user %q (HTTP %d)", c.params.User, resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}

func decodeResult(data json.RawMessage, format IOFormat) (*Result, error) {
	res := &Result{Format: format}
	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return nil, wrapError(ProtocolError, err, "malformed result: %v", err)
		}
		res.JSON = buf.String()
	case FormatJSONElements:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, wrapError(ProtocolError, err, "malformed result: %v", err)
		}
		res.Elements = make([]string, len(items))
		for i, it := range items {
			var buf bytes.Buffer
			if err := json.Compact(&buf, it); err != nil {
				return nil, wrapError(ProtocolError, err, "malformed element: %v", err)
			}
			res.Elements[i] = buf.String()
		}
	default:
		v, err := DecodeJSON(data)
		if err != nil {
			return nil, wrapError(ProtocolError, err, "malformed result: %v", err)
		}
		switch items := v.(type) {
		case []interface{}:
			res.Values = items
		case nil:
			res.Values = nil
		default:
			res.Values = []interface{}{items}
		}
	}
	return res, nil
}

func transportError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wrapError(ClientConnectionTimeoutError, err, "%v", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return wrapError(ClientConnectionFailedError, err, "%v", err)
}

func isRead(status string) bool {
	switch status {
	case "SELECT", "FOR", "GROUP", "DESCRIBE", "ANALYZE":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("... (%d bytes)", len(s))
}
