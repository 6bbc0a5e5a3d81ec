// Package ui renders a result tree for the terminal: a box-drawn hierarchy
// with colored statuses and a summary table.
package ui

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/suiteview/suiteview/tree"
)

// Tree connectors, box drawing characters.
const (
	treeBranch     = "├── "
	treeLastBranch = "└── "
	treeContinue   = "│   "
	treeIndent     = "    "
)

// statusColor maps each status to its display color.
func statusColor(status tree.Status) text.Color {
	switch status {
	case tree.StatusPassed:
		return text.FgGreen
	case tree.StatusFailed:
		return text.FgRed
	case tree.StatusRunning:
		return text.FgYellow
	case tree.StatusSkipped:
		return text.FgCyan
	default:
		return text.FgWhite
	}
}

// RenderTree renders the hierarchy with one line per node.
func RenderTree(root *tree.BranchNode) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s\n", rootLabel(root), coloredStatus(root.Status)))
	renderChildren(&sb, root, "")
	return sb.String()
}

func rootLabel(root *tree.BranchNode) string {
	if root.ShortID != "" {
		return root.ShortID
	}
	return "."
}

func renderChildren(sb *strings.Builder, branch *tree.BranchNode, prefix string) {
	children := branch.Children()
	for i, child := range children {
		last := i == len(children)-1
		connector := treeBranch
		childPrefix := prefix + treeContinue
		if last {
			connector = treeLastBranch
			childPrefix = prefix + treeIndent
		}

		if child.Branch != nil {
			label := child.Branch.ShortID
			if child.Branch.EnvState != tree.EnvStateInactive && child.Branch.EnvState != tree.EnvStateNone {
				label += fmt.Sprintf(" [env: %s]", child.Branch.EnvState)
			}
			fmt.Fprintf(sb, "%s%s%s %s\n", prefix, connector, label, coloredStatus(child.Branch.Status))
			renderChildren(sb, child.Branch, childPrefix)
		} else {
			fmt.Fprintf(sb, "%s%s%s %s\n", prefix, connector, child.Leaf.ShortID, coloredStatus(child.Leaf.Status))
		}
	}
}

func coloredStatus(status tree.Status) string {
	return statusColor(status).Sprintf("[%s]", status)
}

// RenderSummary renders a per-status count table for the tree.
func RenderSummary(root *tree.BranchNode) string {
	counts := map[tree.Status]int{}
	total := 0
	countLeaves(root, counts, &total)

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Status", "Tests"})
	for _, status := range []tree.Status{
		tree.StatusPassed,
		tree.StatusFailed,
		tree.StatusRunning,
		tree.StatusSkipped,
		tree.StatusPending,
	} {
		if counts[status] == 0 {
			continue
		}
		t.AppendRow(table.Row{statusColor(status).Sprint(status), counts[status]})
	}
	t.AppendFooter(table.Row{"Total", total})
	return t.Render()
}

func countLeaves(branch *tree.BranchNode, counts map[tree.Status]int, total *int) {
	for _, leaf := range branch.ChildLeaves {
		counts[leaf.Status]++
		*total++
	}
	for _, child := range branch.ChildBranches {
		countLeaves(child, counts, total)
	}
}

// RenderReports renders the failure report of every failed leaf, if any.
func RenderReports(root *tree.BranchNode) string {
	var sb strings.Builder
	renderReports(&sb, root)
	return sb.String()
}

func renderReports(sb *strings.Builder, branch *tree.BranchNode) {
	for _, child := range branch.Children() {
		if child.Branch != nil {
			renderReports(sb, child.Branch)
			continue
		}
		leaf := child.Leaf
		if leaf.Status != tree.StatusFailed || leaf.Report == "" {
			continue
		}
		sb.WriteString(text.FgRed.Sprintf("--- %s\n", leaf.Nodeid))
		sb.WriteString(leaf.Report)
		if !strings.HasSuffix(leaf.Report, "\n") {
			sb.WriteString("\n")
		}
	}
}
