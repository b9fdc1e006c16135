package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zpdzap/beesto/internal/agent"
)

var (
	diffAddStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC00"))
	diffDelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4444"))
	diffFileStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	diffDirStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5599FF")).Bold(true)
	diffNewStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC00")).Bold(true)
	diffDelFileStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4444")).Bold(true)
	diffTreeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
	diffWarnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00")).Bold(true)
	diffHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD700"))
	diffDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type diffEntry struct {
	path    string
	kind    agent.ChangeKind
	added   int
	deleted int
}

type dirNode struct {
	name     string
	children map[string]*dirNode
	files    []diffEntry
}

func newDirNode(name string) *dirNode {
	return &dirNode{name: name, children: make(map[string]*dirNode)}
}

// buildDiffTree renders a run report's changes as a file tree with per-file
// line counts.
func buildDiffTree(goal string, rep *agent.Report, rolledBack bool) string {
	if rep == nil || len(rep.Changes) == 0 {
		return diffDimStyle.Render("No changes")
	}

	entries := make([]diffEntry, 0, len(rep.Changes))
	for _, c := range rep.Changes {
		added, deleted := countLines(c.Diff)
		entries = append(entries, diffEntry{path: c.Path, kind: c.Kind, added: added, deleted: deleted})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	root := newDirNode("")
	for _, e := range entries {
		parts := strings.Split(e.path, "/")
		node := root
		for _, dir := range parts[:len(parts)-1] {
			if _, ok := node.children[dir]; !ok {
				node.children[dir] = newDirNode(dir)
			}
			node = node.children[dir]
		}
		node.files = append(node.files, e)
	}

	var b strings.Builder
	b.WriteString(diffHeaderStyle.Render(goal))
	b.WriteString(diffDimStyle.Render(fmt.Sprintf("  %s", rep.Outcome)))
	b.WriteString("\n")

	renderTree(&b, root, "")

	totalAdd, totalDel := rep.Stat()
	b.WriteString("\n")
	summary := fmt.Sprintf("%d file%s changed", len(entries), plural(len(entries)))
	if totalAdd > 0 {
		summary += ", " + diffAddStyle.Render(fmt.Sprintf("+%d", totalAdd))
	}
	if totalDel > 0 {
		summary += ", " + diffDelStyle.Render(fmt.Sprintf("-%d", totalDel))
	}
	b.WriteString(summary)

	if rolledBack {
		b.WriteString("\n")
		b.WriteString(diffWarnStyle.Render("⚠ rolled back, these changes were reverted"))
	}

	return b.String()
}

func countLines(diff string) (added, deleted int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return added, deleted
}

func renderTree(b *strings.Builder, node *dirNode, prefix string) {
	var dirNames []string
	for name := range node.children {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)

	type item struct {
		isDir bool
		name  string
		entry diffEntry
	}
	items := make([]item, 0, len(dirNames)+len(node.files))
	for _, d := range dirNames {
		items = append(items, item{isDir: true, name: d})
	}
	for _, f := range node.files {
		items = append(items, item{name: baseName(f.path), entry: f})
	}

	for i, it := range items {
		connector := "├── "
		childPrefix := "│   "
		if i == len(items)-1 {
			connector = "└── "
			childPrefix = "    "
		}

		if it.isDir {
			b.WriteString(diffTreeStyle.Render(prefix+connector) + diffDirStyle.Render(it.name+"/") + "\n")
			renderTree(b, node.children[it.name], prefix+childPrefix)
			continue
		}
		renderFileEntry(b, prefix+connector, it.entry)
	}
}

func renderFileEntry(b *strings.Builder, prefix string, entry diffEntry) {
	nameStyle := diffFileStyle
	var badge string
	switch entry.kind {
	case agent.ChangeAdded:
		nameStyle = diffNewStyle
		badge = diffNewStyle.Render("new")
	case agent.ChangeDeleted:
		nameStyle = diffDelFileStyle
		badge = diffDelFileStyle.Render("deleted")
	}

	var counts []string
	if entry.added > 0 {
		counts = append(counts, diffAddStyle.Render(fmt.Sprintf("+%d", entry.added)))
	}
	if entry.deleted > 0 {
		counts = append(counts, diffDelStyle.Render(fmt.Sprintf("-%d", entry.deleted)))
	}

	line := diffTreeStyle.Render(prefix) + nameStyle.Render(baseName(entry.path))
	if badge != "" {
		line += " " + badge
	}
	if len(counts) > 0 {
		line += "  " + strings.Join(counts, " ")
	}
	b.WriteString(line + "\n")
}

func baseName(p string) string {
	parts := strings.Split(p, "/")
	return parts[len(parts)-1]
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
