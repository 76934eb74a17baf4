package edgeql

import "strings"

// TxEffect describes how a statement changes transaction state.
type TxEffect int

const (
	TxNone TxEffect = iota
	TxStart
	TxCommit
	TxRollback
	TxSavepointDeclare
	TxSavepointRelease
	TxSavepointRollback
)

var txEffectNames = [...]string{
	TxNone:              "none",
	TxStart:             "start",
	TxCommit:            "commit",
	TxRollback:          "rollback",
	TxSavepointDeclare:  "savepoint-declare",
	TxSavepointRelease:  "savepoint-release",
	TxSavepointRollback: "savepoint-rollback",
}

func (e TxEffect) String() string {
	if int(e) < len(txEffectNames) {
		return txEffectNames[e]
	}
	return "unknown"
}

// Statement is one complete top-level statement, without its terminating
// semicolon.
type Statement struct {
	Text   string
	Status string
	Tx     TxEffect
}

// Classify builds a Statement for a single statement text.
func Classify(text string) Statement {
	status := StatusOf(text)
	return Statement{Text: text, Status: status, Tx: txEffectOf(status)}
}

// Split splits script on top-level semicolons. Text after the last
// semicolon that still contains something other than whitespace and
// comments is returned as rest; so is everything from the start of an
// unterminated literal.
func Split(script string) ([]Statement, string) {
	toks, incomplete := scan(script)

	var stmts []Statement
	depth := 0
	firstSig := -1

	for _, t := range toks {
		if !t.significant() {
			continue
		}
		if t.kind == tokSemicolon && depth == 0 {
			if firstSig >= 0 {
				stmts = append(stmts, Classify(strings.TrimSpace(script[firstSig:t.start])))
			}
			firstSig = -1
			continue
		}
		if firstSig < 0 {
			firstSig = t.start
		}
		switch t.kind {
		case tokOpen:
			depth++
		case tokClose:
			if depth > 0 {
				depth--
			}
		}
	}

	if incomplete >= 0 {
		if firstSig < 0 {
			firstSig = incomplete
		}
		return stmts, script[firstSig:]
	}
	if firstSig >= 0 {
		return stmts, strings.TrimSpace(script[firstSig:])
	}
	return stmts, ""
}

// IsComplete reports whether input consists of one or more complete
// statements with nothing pending.
func IsComplete(input string) bool {
	stmts, rest := Split(input)
	return rest == "" && len(stmts) > 0
}

// InLiteral reports whether input ends inside an unterminated string,
// quoted identifier or dollar-quoted block.
func InLiteral(input string) bool {
	_, incomplete := scan(input)
	return incomplete >= 0
}

// IsBlank reports whether input holds only whitespace and comments.
func IsBlank(input string) bool {
	toks, incomplete := scan(input)
	if incomplete >= 0 {
		return false
	}
	for _, t := range toks {
		if t.significant() {
			return false
		}
	}
	return true
}

func txEffectOf(status string) TxEffect {
	switch status {
	case "START TRANSACTION":
		return TxStart
	case "COMMIT":
		return TxCommit
	case "ROLLBACK":
		return TxRollback
	case "DECLARE SAVEPOINT":
		return TxSavepointDeclare
	case "RELEASE SAVEPOINT":
		return TxSavepointRelease
	case "ROLLBACK TO SAVEPOINT":
		return TxSavepointRollback
	}
	return TxNone
}
