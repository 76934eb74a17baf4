package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"edgecli/internal/edgeql"
)

// Modules the server ships; listings and dumps skip them.
const builtinModules = `^(std|schema|sys|cfg|math|cal|stdgraphql|ext|__\w+__)::`

// QueryJSON runs query with FormatJSON and unmarshals the result into dst.
func QueryJSON(ctx context.Context, c Conn, query string, args map[string]interface{}, dst interface{}) error {
	res, err := c.Query(ctx, query, args, FormatJSON)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.JSON), dst); err != nil {
		return wrapError(ProtocolError, err, "cannot decode result: %v", err)
	}
	return nil
}

func queryStrings(ctx context.Context, c Conn, query string, args map[string]interface{}) ([]string, error) {
	var out []string
	if err := QueryJSON(ctx, c, query, args, &out); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ListDatabases returns database names.
func ListDatabases(ctx context.Context, c Conn) ([]string, error) {
	return queryStrings(ctx, c, "SELECT sys::Database.name", nil)
}

// ListModules returns module names.
func ListModules(ctx context.Context, c Conn) ([]string, error) {
	return queryStrings(ctx, c, "SELECT schema::Module.name", nil)
}

// ListRoles returns role names.
func ListRoles(ctx context.Context, c Conn) ([]string, error) {
	return queryStrings(ctx, c, "SELECT sys::Role.name", nil)
}

// ListObjectTypes returns user-defined object type names, optionally
// filtered by a regular expression.
func ListObjectTypes(ctx context.Context, c Conn, pattern string) ([]string, error) {
	q := "SELECT schema::ObjectType.name FILTER NOT re_test(<str>$builtin, schema::ObjectType.name)"
	args := map[string]interface{}{"builtin": builtinModules}
	if pattern != "" {
		q = "SELECT schema::ObjectType.name FILTER NOT re_test(<str>$builtin, schema::ObjectType.name)" +
			" AND re_test(<str>$pattern, schema::ObjectType.name)"
		args["pattern"] = pattern
	}
	return queryStrings(ctx, c, q, args)
}

// DescribeObject returns the textual description of a schema object.
func DescribeObject(ctx context.Context, c Conn, name string, verbose bool) (string, error) {
	q := "DESCRIBE OBJECT " + edgeql.QuoteName(name) + " AS TEXT"
	if verbose {
		q += " VERBOSE"
	}
	return describe(ctx, c, q)
}

// DescribeSchemaDDL returns the current schema as DDL.
func DescribeSchemaDDL(ctx context.Context, c Conn) (string, error) {
	return describe(ctx, c, "DESCRIBE SCHEMA AS DDL")
}

func describe(ctx context.Context, c Conn, q string) (string, error) {
	var out []string
	if err := QueryJSON(ctx, c, q, nil, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", newError(NoDataError, "describe returned nothing")
	}
	return out[0], nil
}

// Pointer is a property or link of an object type.
type Pointer struct {
	Name        string `json:"name"`
	Cardinality string `json:"cardinality"`
	Target      struct {
		Name string `json:"name"`
	} `json:"target"`
}

// Multi reports whether the pointer holds a set.
func (p Pointer) Multi() bool {
	return p.Cardinality == "Many"
}

// TypeInfo describes an object type for dumping.
type TypeInfo struct {
	Name       string    `json:"name"`
	Properties []Pointer `json:"properties"`
	Links      []Pointer `json:"links"`
}

// ObjectTypesForDump returns every concrete user-defined object type with
// its stored pointers, excluding computed ones, the implicit id property
// and the __type__ link.
func ObjectTypesForDump(ctx context.Context, c Conn) ([]TypeInfo, error) {
	const q = `SELECT schema::ObjectType {
	name,
	properties: { name, cardinality, target: { name } } FILTER NOT .computable,
	links: { name, cardinality, target: { name } } FILTER NOT .computable
} FILTER NOT .abstract AND NOT re_test(<str>$builtin, .name)
ORDER BY .name`

	var types []TypeInfo
	if err := QueryJSON(ctx, c, q, map[string]interface{}{"builtin": builtinModules}, &types); err != nil {
		return nil, fmt.Errorf("failed to introspect object types: %w", err)
	}
	for i := range types {
		types[i].Properties = dropPointer(types[i].Properties, "id")
		types[i].Links = dropPointer(types[i].Links, "__type__")
		sortPointers(types[i].Properties)
		sortPointers(types[i].Links)
	}
	return types, nil
}

func dropPointer(ps []Pointer, name string) []Pointer {
	out := ps[:0]
	for _, p := range ps {
		if p.Name != name {
			out = append(out, p)
		}
	}
	return out
}

func sortPointers(ps []Pointer) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
}
