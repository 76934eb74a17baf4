package edgeql

import "strings"

var reserved = map[string]bool{}

func init() {
	for _, kw := range strings.Fields(`
		administer alter analyze and anyarray anytuple anytype begin by
		case check commit configure create deallocate delete describe
		detached discard distinct do drop else end execute exists explain
		extending false fetch filter for get global grant group if ilike
		import in insert introspect is like limit listen load lock match
		module move never not notify offset on optional or over partition
		prepare raise refresh reindex revoke rollback select set single
		start true typeof update variadic when window with
		__source__ __subject__ __type__ __std__ __new__ __old__ __specified__`) {
		reserved[kw] = true
	}
}

// IsReserved reports whether name is a reserved keyword.
func IsReserved(name string) bool {
	return reserved[strings.ToLower(name)]
}

// QuoteString returns s as a single-quoted EdgeQL string literal.
func QuoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '\'':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// QuoteIdent returns name unchanged when it is a plain identifier and not
// reserved, otherwise backtick-quoted.
func QuoteIdent(name string) string {
	if isPlainIdent(name) && !IsReserved(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteName quotes each component of a module-qualified name.
func QuoteName(name string) string {
	parts := strings.Split(name, "::")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, "::")
}

func isPlainIdent(name string) bool {
	if name == "" || !isIdentStart(name[0]) || name[0] >= 0x80 {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if c >= 0x80 || !isIdentChar(c) {
			return false
		}
	}
	return true
}
