package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = strings.Repeat("x", i+1)
	}
	return lines
}

func TestLines(t *testing.T) {
	got := Lines("a\nb\nc\n", "a\nc\nd\n")
	assert.Equal(t, []Line{
		{Op: OpEqual, Text: "a", OldLine: 1, NewLine: 1},
		{Op: OpDelete, Text: "b", OldLine: 2},
		{Op: OpEqual, Text: "c", OldLine: 3, NewLine: 2},
		{Op: OpInsert, Text: "d", NewLine: 3},
	}, got)
}

func TestUnified_Equal(t *testing.T) {
	assert.Empty(t, Unified("a", "b", "same\n", "same\n", 3))
}

func TestUnified_SeparateHunks(t *testing.T) {
	old := "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n"
	new := "1\n2\nthree\n4\n5\n6\n7\n8\n9\n"

	want := `--- old.yml
+++ new.yml
@@ -2,3 +2,3 @@
 2
-3
+three
 4
@@ -9,2 +9,1 @@
 9
-10
`
	assert.Equal(t, want, Unified("old.yml", "new.yml", old, new, 1))
}

func TestHunks_MergesNearbyChanges(t *testing.T) {
	old := numbered(10)
	new := append([]string(nil), old...)
	new[2] = "changed-3"
	new[5] = "changed-6"

	hunks := Hunks(Lines(strings.Join(old, "\n")+"\n", strings.Join(new, "\n")+"\n"), 2)
	require.Len(t, hunks, 1)
	h := hunks[0]
	assert.Equal(t, 1, h.OldStart)
	assert.Equal(t, 8, h.OldCount)
	assert.Equal(t, 8, h.NewCount)
}

func TestUnified_NewFile(t *testing.T) {
	got := Unified("/dev/null", "wf.yml", "", "a\nb\n", 3)
	assert.Equal(t, "--- /dev/null\n+++ wf.yml\n@@ -0,0 +1,2 @@\n+a\n+b\n", got)
}
