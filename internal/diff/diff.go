// Package diff renders line diffs between two texts, used to show how a
// generated file drifted from the copy on disk.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op is the kind of a diff line.
type Op int

const (
	OpEqual Op = iota
	OpInsert
	OpDelete
)

// Line is one line of a diff with its position in the old and new text
// (1-based, 0 when the line does not exist on that side).
type Line struct {
	Op      Op
	Text    string
	OldLine int
	NewLine int
}

// Hunk is a run of changes with surrounding context.
type Hunk struct {
	OldStart, OldCount int
	NewStart, NewCount int
	Lines              []Line
}

// Lines diffs old and new line by line.
func Lines(old, new string) []Line {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []Line
	oldN, newN := 0, 0
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			l := Line{Text: text}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldN++
				newN++
				l.Op, l.OldLine, l.NewLine = OpEqual, oldN, newN
			case diffmatchpatch.DiffDelete:
				oldN++
				l.Op, l.OldLine = OpDelete, oldN
			case diffmatchpatch.DiffInsert:
				newN++
				l.Op, l.NewLine = OpInsert, newN
			}
			out = append(out, l)
		}
	}
	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Hunks groups changed lines with up to context unchanged lines around
// them. Changes closer than 2*context lines share a hunk.
func Hunks(lines []Line, context int) []Hunk {
	var hunks []Hunk
	i := 0
	for i < len(lines) {
		for i < len(lines) && lines[i].Op == OpEqual {
			i++
		}
		if i == len(lines) {
			break
		}
		start := max(0, i-context)
		end := i
		for end < len(lines) {
			if lines[end].Op != OpEqual {
				end++
				continue
			}
			run := end
			for run < len(lines) && lines[run].Op == OpEqual {
				run++
			}
			if run == len(lines) || run-end > 2*context {
				end = min(len(lines), end+context)
				break
			}
			end = run
		}
		hunks = append(hunks, newHunk(lines[start:end]))
		i = end
	}
	return hunks
}

func newHunk(lines []Line) Hunk {
	h := Hunk{Lines: lines}
	for _, l := range lines {
		if l.Op != OpInsert {
			if h.OldStart == 0 {
				h.OldStart = l.OldLine
			}
			h.OldCount++
		}
		if l.Op != OpDelete {
			if h.NewStart == 0 {
				h.NewStart = l.NewLine
			}
			h.NewCount++
		}
	}
	return h
}

// Unified renders the difference between old and new in unified format.
// It returns "" when the texts are equal.
func Unified(oldName, newName, old, new string, context int) string {
	hunks := Hunks(Lines(old, new), context)
	if len(hunks) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", oldName, newName)
	for _, h := range hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Op {
			case OpEqual:
				sb.WriteByte(' ')
			case OpInsert:
				sb.WriteByte('+')
			case OpDelete:
				sb.WriteByte('-')
			}
			sb.WriteString(l.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
