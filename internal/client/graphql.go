package client

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message   string `json:"message"`
		Locations []struct {
			Line   int `json:"line"`
			Column int `json:"column"`
		} `json:"locations"`
	} `json:"errors"`
}

// ValidateGraphQL parses query and reports syntax errors as
// GraphQLSyntaxError with the position of the first problem.
func ValidateGraphQL(query string) error {
	_, perr := parser.ParseQuery(&ast.Source{Name: "query", Input: query})
	if perr == nil {
		return nil
	}

	e := &Error{Code: GraphQLSyntaxError, Message: perr.Error()}
	var gerr *gqlerror.Error
	var glist gqlerror.List
	switch {
	case errors.As(perr, &gerr):
		fillGraphQLError(e, gerr)
	case errors.As(perr, &glist) && len(glist) > 0:
		fillGraphQLError(e, glist[0])
	}
	return e
}

func fillGraphQLError(e *Error, g *gqlerror.Error) {
	e.Message = g.Message
	if len(g.Locations) > 0 {
		e.Line = g.Locations[0].Line
		e.Column = g.Locations[0].Column
	}
}

// GraphQL validates query locally, then posts it to the GraphQL endpoint.
func (c *HTTPConn) GraphQL(ctx context.Context, query string, variables map[string]interface{}, operation string) (json.RawMessage, error) {
	if err := ValidateGraphQL(query); err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, newError(ClientConnectionClosedError, "connection is closed")
	}

	body := map[string]interface{}{"query": query}
	if len(variables) > 0 {
		body["variables"] = variables
	}
	if operation != "" {
		body["operationName"] = operation
	}

	var raw json.RawMessage
	err := retry(ctx, c.retry, func(err error) bool { return HasCode(err, ClientConnectionFailedError) }, func() error {
		var err error
		raw, err = c.postRaw(ctx, "graphql", body)
		return err
	})
	if err != nil {
		return nil, err
	}

	var resp graphqlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, wrapError(ProtocolError, err, "malformed GraphQL response: %v", err)
	}
	if len(resp.Errors) > 0 {
		first := resp.Errors[0]
		e := &Error{Code: QueryError, Message: first.Message}
		if len(first.Locations) > 0 {
			e.Line, e.Column = first.Locations[0].Line, first.Locations[0].Column
		}
		return nil, e
	}
	return resp.Data, nil
}
