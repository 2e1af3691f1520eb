package diagram

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var statusTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"waiting":   "[WAIT]",
	"cancelled": "[CANCEL]",
	"skipped":   "[SKIP]",
	"pending":   "[PEND]",
}

var (
	stepBox     = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	terminalBox = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	branchBox   = lipgloss.NewStyle().Border(lipgloss.ThickBorder()).Padding(0, 1)
)

// RenderASCII draws the model top to bottom, one row of boxes per level,
// followed by the list of labelled edges. Taken edges are starred.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	var rows []string
	for _, level := range model.Levels {
		var boxes []string
		for _, id := range level {
			if n := model.Node(id); n != nil {
				if len(boxes) > 0 {
					boxes = append(boxes, "  ")
				}
				boxes = append(boxes, nodeBox(n))
			}
		}
		if len(boxes) > 0 {
			rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
		}
	}
	for i, row := range rows {
		b.WriteString(row)
		b.WriteByte('\n')
		if i < len(rows)-1 {
			pad := strings.Repeat(" ", lipgloss.Width(row)/2)
			b.WriteString(pad + "│\n" + pad + "▼\n")
		}
	}

	first := true
	for _, e := range model.Edges {
		if e.Label == "" {
			continue
		}
		if first {
			b.WriteString("\n--- branches ---\n")
			first = false
		}
		star := ""
		if e.Taken {
			star = " *"
		}
		fmt.Fprintf(&b, "  %s ─→ %s [%s]%s\n", e.From, e.To, e.Label, star)
	}
	return b.String()
}

func nodeBox(n *Node) string {
	label, _, _ := strings.Cut(n.Label, "\n")
	lines := []string{label}
	if n.Detail != "" {
		lines = append(lines, n.Detail)
	}
	if st := n.Status; st != nil {
		tag := statusTags[st.Status]
		if st.Current {
			tag = ">> " + tag
		}
		if tag != "" {
			lines = append(lines, tag)
		}
		if st.Attempt > 1 {
			lines = append(lines, fmt.Sprintf("attempt %d", st.Attempt))
		}
	}

	style := stepBox
	switch n.Kind {
	case NodeKindStart, NodeKindEnd:
		style = terminalBox
	case NodeKindCondition:
		style = branchBox
	}
	return style.Render(strings.Join(lines, "\n"))
}
