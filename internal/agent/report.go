package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChange is one file that differs from the pre-run snapshot.
type FileChange struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
	Diff string     `json:"diff,omitempty"`
}

// Report summarizes a finished run against its pre-run snapshot.
type Report struct {
	Outcome State        `json:"outcome"`
	Changes []FileChange `json:"changes"`
	Summary string       `json:"summary"`
}

// Diff compares two file trees and returns the changes sorted by path.
func Diff(before, after map[string]string) []FileChange {
	changes := []FileChange{}
	for p, old := range before {
		cur, ok := after[p]
		switch {
		case !ok:
			changes = append(changes, FileChange{Path: p, Kind: ChangeDeleted, Diff: unified(p, old, "")})
		case cur != old:
			changes = append(changes, FileChange{Path: p, Kind: ChangeModified, Diff: unified(p, old, cur)})
		}
	}
	for p, cur := range after {
		if _, ok := before[p]; !ok {
			changes = append(changes, FileChange{Path: p, Kind: ChangeAdded, Diff: unified(p, "", cur)})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func unified(path, a, b string) string {
	from, to := "a/"+path, "b/"+path
	if a == "" {
		from = "/dev/null"
	}
	if b == "" {
		to = "/dev/null"
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(a),
		B:        splitLines(b),
		FromFile: from,
		ToFile:   to,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}

func newReport(outcome State, changes []FileChange, executed, planned int, failure error) *Report {
	var b strings.Builder
	if outcome == StateCompleted {
		fmt.Fprintf(&b, "%d of %d steps succeeded", executed, planned)
	} else if failure != nil {
		fmt.Fprintf(&b, "failed after %d of %d steps: %v", executed, planned, failure)
	} else {
		fmt.Fprintf(&b, "failed after %d of %d steps", executed, planned)
	}

	switch len(changes) {
	case 0:
		b.WriteString(", no files changed")
	case 1:
		b.WriteString(", 1 file changed")
	default:
		fmt.Fprintf(&b, ", %d files changed", len(changes))
	}
	return &Report{Outcome: outcome, Changes: changes, Summary: b.String()}
}

// Stat counts added and removed lines across a report's diffs.
func (r *Report) Stat() (added, removed int) {
	if r == nil {
		return 0, 0
	}
	for _, c := range r.Changes {
		for _, line := range strings.Split(c.Diff, "\n") {
			switch {
			case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			case strings.HasPrefix(line, "+"):
				added++
			case strings.HasPrefix(line, "-"):
				removed++
			}
		}
	}
	return added, removed
}
