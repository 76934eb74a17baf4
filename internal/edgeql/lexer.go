// Package edgeql splits EdgeQL scripts into statements and classifies
// them. It understands just enough of the lexical grammar to find
// top-level semicolons: string literals, quoted identifiers, dollar-quoted
// strings, comments and bracket nesting.
package edgeql

import "strings"

type tokenKind int

const (
	tokSpace tokenKind = iota
	tokComment
	tokWord
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokOpen
	tokClose
	tokSemicolon
	tokPunct
)

type token struct {
	kind       tokenKind
	start, end int
}

func (t token) text(src string) string {
	return src[t.start:t.end]
}

func (t token) significant() bool {
	return t.kind != tokSpace && t.kind != tokComment
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isQuote(c byte) bool {
	return c == '\'' || c == '"'
}

// scan tokenizes src. If src ends inside an unterminated string, quoted
// identifier or dollar-quoted block, scanning stops and the offset where
// that construct began is returned; otherwise the offset is -1.
func scan(src string) ([]token, int) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		start := i
		kind := tokPunct

		switch {
		case isSpace(c):
			for i < len(src) && isSpace(src[i]) {
				i++
			}
			kind = tokSpace

		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			kind = tokComment

		case isQuote(c):
			end, ok := scanQuoted(src, i, true)
			if !ok {
				return toks, start
			}
			i, kind = end, tokString

		case c == '`':
			end, ok := scanBacktick(src, i)
			if !ok {
				return toks, start
			}
			i, kind = end, tokQuotedIdent

		case c == '$':
			if tag, ok := dollarTag(src, i); ok {
				body := i + len(tag)
				closeAt := strings.Index(src[body:], tag)
				if closeAt < 0 {
					return toks, start
				}
				i, kind = body+closeAt+len(tag), tokString
			} else {
				i++
				for i < len(src) && isIdentChar(src[i]) {
					i++
				}
				kind = tokParam
			}

		case isIdentStart(c):
			if n := stringPrefixLen(src, i); n > 0 {
				raw := src[i] == 'r' || (n == 2 && src[i+1] == 'r')
				end, ok := scanQuoted(src, i+n, !raw)
				if !ok {
					return toks, start
				}
				i, kind = end, tokString
				break
			}
			for i < len(src) && isIdentChar(src[i]) {
				i++
			}
			kind = tokWord

		case isDigit(c):
			for i < len(src) {
				if isIdentChar(src[i]) {
					i++
				} else if src[i] == '.' && i+1 < len(src) && isDigit(src[i+1]) {
					i++
				} else if (src[i] == '+' || src[i] == '-') && (src[i-1] == 'e' || src[i-1] == 'E') {
					i++
				} else {
					break
				}
			}
			kind = tokNumber

		case c == '(' || c == '[' || c == '{':
			i++
			kind = tokOpen

		case c == ')' || c == ']' || c == '}':
			i++
			kind = tokClose

		case c == ';':
			i++
			kind = tokSemicolon

		default:
			i++
		}

		toks = append(toks, token{kind: kind, start: start, end: i})
	}
	return toks, -1
}

// stringPrefixLen returns the length of a r/b/rb/br string prefix at i
// that is immediately followed by a quote, or 0.
func stringPrefixLen(src string, i int) int {
	if i > 0 && isIdentChar(src[i-1]) {
		return 0
	}
	isPrefix := func(c byte) bool { return c == 'r' || c == 'b' }
	if !isPrefix(src[i]) {
		return 0
	}
	if i+1 < len(src) && isQuote(src[i+1]) {
		return 1
	}
	if i+2 < len(src) && isPrefix(src[i+1]) && src[i+1] != src[i] && isQuote(src[i+2]) {
		return 2
	}
	return 0
}

// scanQuoted scans a string opening at src[i]; backslash escapes are
// honoured unless raw.
func scanQuoted(src string, i int, escapes bool) (int, bool) {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch {
		case escapes && src[j] == '\\':
			j++
		case src[j] == q:
			return j + 1, true
		}
	}
	return 0, false
}

func scanBacktick(src string, i int) (int, bool) {
	for j := i + 1; j < len(src); j++ {
		if src[j] != '`' {
			continue
		}
		if j+1 < len(src) && src[j+1] == '`' {
			j++
			continue
		}
		return j + 1, true
	}
	return 0, false
}

// dollarTag recognises $$ and $tag$ openers at i.
func dollarTag(src string, i int) (string, bool) {
	j := i + 1
	if j < len(src) && src[j] == '$' {
		return "$$", true
	}
	if j >= len(src) || !isIdentStart(src[j]) {
		return "", false
	}
	for j < len(src) && isIdentChar(src[j]) {
		j++
	}
	if j < len(src) && src[j] == '$' {
		return src[i : j+1], true
	}
	return "", false
}
