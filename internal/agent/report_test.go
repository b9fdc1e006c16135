package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	before := map[string]string{
		"same.txt":    "x\n",
		"edit.txt":    "a\nb\nc\n",
		"removed.txt": "bye\n",
	}
	after := map[string]string{
		"same.txt":  "x\n",
		"edit.txt":  "a\nB\nc\n",
		"added.txt": "hi\n",
	}

	changes := Diff(before, after)
	require.Len(t, changes, 3)

	assert.Equal(t, "added.txt", changes[0].Path)
	assert.Equal(t, ChangeAdded, changes[0].Kind)
	assert.Contains(t, changes[0].Diff, "--- /dev/null")
	assert.Contains(t, changes[0].Diff, "+hi")

	assert.Equal(t, "edit.txt", changes[1].Path)
	assert.Equal(t, ChangeModified, changes[1].Kind)
	assert.Contains(t, changes[1].Diff, "--- a/edit.txt")
	assert.Contains(t, changes[1].Diff, "+++ b/edit.txt")
	assert.Contains(t, changes[1].Diff, "-b\n")
	assert.Contains(t, changes[1].Diff, "+B\n")

	assert.Equal(t, "removed.txt", changes[2].Path)
	assert.Equal(t, ChangeDeleted, changes[2].Kind)
	assert.Contains(t, changes[2].Diff, "+++ /dev/null")

	rep := newReport(StateCompleted, changes, 2, 2, nil)
	added, removed := rep.Stat()
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, removed)
	assert.Equal(t, "2 of 2 steps succeeded, 3 files changed", rep.Summary)
}

func TestDiffNoChanges(t *testing.T) {
	files := map[string]string{"a": "1"}
	changes := Diff(files, files)
	assert.NotNil(t, changes)
	assert.Empty(t, changes)

	var rep *Report
	added, removed := rep.Stat()
	assert.Zero(t, added)
	assert.Zero(t, removed)
}
