package diagram

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// mermaidShapes holds the opening and closing brackets per node kind.
var mermaidShapes = map[NodeKind][2]string{
	NodeKindAction:     {"[", "]"},
	NodeKindCondition:  {"{", "}"},
	NodeKindWait:       {"([", "])"},
	NodeKindContent:    {"[/", "/]"},
	NodeKindCheckpoint: {"[[", "]]"},
	NodeKindStart:      {"((", "))"},
	NodeKindEnd:        {"((", "))"},
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders the model as a top-down Mermaid flowchart. Status
// overlays become classes and taken edges a linkStyle.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, n := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(n))
	}

	var taken []string
	for i, e := range model.Edges {
		arrow := "-->"
		if e.Default {
			arrow = "-.->"
		}
		if e.Label != "" {
			arrow += fmt.Sprintf("|%q|", mermaidEscapeLabel(e.Label))
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
		if e.Taken {
			taken = append(taken, strconv.Itoa(i))
		}
	}

	b.WriteString("\n")
	writeMermaidClasses(&b)

	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		id := mermaidSafeID(n.ID)
		if _, known := statusPalette[n.Status.Status]; known {
			fmt.Fprintf(&b, "    class %s %s\n", id, n.Status.Status)
		}
		if n.Status.Current {
			fmt.Fprintf(&b, "    class %s current\n", id)
		}
	}

	if len(taken) > 0 {
		fmt.Fprintf(&b, "    linkStyle %s stroke:%s,stroke-width:2px\n", strings.Join(taken, ","), takenColor)
	}
	return b.String()
}

// writeMermaidClasses emits one classDef per overlay status, sharing the
// graphviz palette.
func writeMermaidClasses(b *strings.Builder) {
	names := make([]string, 0, len(statusPalette))
	for name := range statusPalette {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := statusPalette[name]
		extra := ""
		if name == Skipped {
			extra = ",stroke-dasharray:5 5"
		}
		fmt.Fprintf(b, "    classDef %s fill:%s,color:%s%s\n", name, c[0], c[1], extra)
	}
	b.WriteString("    classDef current stroke:#f1c40f,stroke-width:3px\n")
}

func mermaidNodeDef(n *Node) string {
	text := n.Label
	if n.Detail != "" {
		text += "<br/>" + n.Detail
	}
	shape, ok := mermaidShapes[n.Kind]
	if !ok {
		shape = mermaidShapes[NodeKindAction]
	}
	return fmt.Sprintf("%s%s%q%s", mermaidSafeID(n.ID), shape[0], mermaidEscapeLabel(text), shape[1])
}

// mermaidSafeID maps dots, dashes and spaces to underscores.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

// mermaidEscapeLabel replaces the quote that would end a Mermaid label.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}
