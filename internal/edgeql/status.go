package edgeql

import "strings"

var queryKeywords = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true,
	"DELETE": true, "FOR": true, "GROUP": true,
}

// Keywords that open a statement. Anything else at the start of a
// statement is an expression and reports SELECT.
var statementKeywords = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"FOR": true, "GROUP": true, "WITH": true, "DESCRIBE": true,
	"ANALYZE": true, "ADMINISTER": true, "START": true, "COMMIT": true,
	"ABORT": true, "ROLLBACK": true, "DECLARE": true, "RELEASE": true,
	"POPULATE": true, "CREATE": true, "ALTER": true, "DROP": true,
	"CONFIGURE": true, "SET": true, "RESET": true,
}

// DDL object kinds that appear in command statuses.
var ddlObjects = map[string]bool{
	"TYPE": true, "SCALAR": true, "LINK": true, "PROPERTY": true,
	"FUNCTION": true, "MODULE": true, "MIGRATION": true, "DATABASE": true,
	"BRANCH": true, "ROLE": true, "CONSTRAINT": true, "INDEX": true,
	"ALIAS": true, "ANNOTATION": true, "EXTENSION": true, "GLOBAL": true,
	"OPERATOR": true, "CAST": true, "PERMISSION": true,
}

// DDL modifiers that precede the object kind but are not part of the status.
var ddlModifiers = map[string]bool{
	"ABSTRACT": true, "REQUIRED": true, "OPTIONAL": true, "SINGLE": true,
	"MULTI": true, "FINAL": true, "SUPERUSER": true, "DELEGATED": true,
	"APPLIED": true, "EMPTY": true, "SCHEMA": true, "TEMPLATE": true,
}

type word struct {
	text  string
	depth int
}

// StatusOf returns the command status the server reports for stmt: its
// upper-cased leading keywords. Statements that start with an expression
// report SELECT.
func StatusOf(stmt string) string {
	words := leadingWords(stmt)
	if len(words) == 0 || words[0].text == "" {
		return "SELECT"
	}

	kw := words[0].text
	if !statementKeywords[kw] {
		return "SELECT"
	}
	next := func(i int) string {
		if i < len(words) && words[i].depth == 0 {
			return words[i].text
		}
		return ""
	}

	switch kw {
	case "WITH":
		for _, w := range words[1:] {
			if w.depth == 0 && queryKeywords[w.text] {
				return w.text
			}
		}
		return "SELECT"
	case "START":
		if n := next(1); n == "TRANSACTION" || n == "MIGRATION" {
			return "START " + n
		}
	case "COMMIT", "ABORT", "POPULATE":
		if next(1) == "MIGRATION" {
			return kw + " MIGRATION"
		}
		if kw == "ABORT" {
			return "ROLLBACK"
		}
	case "ROLLBACK":
		if next(1) == "TO" {
			return "ROLLBACK TO SAVEPOINT"
		}
	case "DECLARE", "RELEASE":
		if next(1) == "SAVEPOINT" {
			return kw + " SAVEPOINT"
		}
	case "CREATE", "ALTER", "DROP":
		var parts []string
		for i := 1; i < len(words) && len(parts) < 2; i++ {
			w := next(i)
			if ddlModifiers[w] {
				continue
			}
			if !ddlObjects[w] {
				break
			}
			parts = append(parts, w)
			if w != "SCALAR" {
				break
			}
		}
		if len(parts) > 0 {
			return kw + " " + strings.Join(parts, " ")
		}
	case "CONFIGURE":
		switch n := next(1); n {
		case "CURRENT":
			if d := next(2); d != "" {
				return "CONFIGURE CURRENT " + d
			}
		case "SESSION", "INSTANCE", "SYSTEM":
			return "CONFIGURE " + n
		}
	case "SET", "RESET":
		if n := next(1); n == "ALIAS" || n == "MODULE" || n == "GLOBAL" {
			if n == "MODULE" {
				n = "ALIAS"
			}
			return kw + " " + n
		}
	}
	return kw
}

// leadingWords returns the upper-cased bare words of stmt with their
// bracket depth. A non-word token at the start yields a single empty word.
func leadingWords(stmt string) []word {
	toks, _ := scan(stmt)
	var out []word
	depth := 0
	for _, t := range toks {
		if !t.significant() {
			continue
		}
		if len(out) == 0 && t.kind != tokWord {
			return []word{{}}
		}
		switch t.kind {
		case tokOpen:
			depth++
		case tokClose:
			if depth > 0 {
				depth--
			}
		case tokWord:
			out = append(out, word{text: strings.ToUpper(t.text(stmt)), depth: depth})
		case tokSemicolon:
			if depth == 0 {
				return out
			}
		}
	}
	return out
}
