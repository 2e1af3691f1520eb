package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats supported by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
	FormatDOT = "dot"
)

var imageFormats = map[string]graphviz.Format{
	"":        graphviz.PNG,
	FormatPNG: graphviz.PNG,
	FormatSVG: graphviz.SVG,
	FormatDOT: graphviz.XDOT,
}

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindAction:     cgraph.BoxShape,
	NodeKindContent:    cgraph.ParallelogramShape,
	NodeKindCondition:  cgraph.DiamondShape,
	NodeKindWait:       cgraph.EllipseShape,
	NodeKindCheckpoint: cgraph.OctagonShape,
	NodeKindStart:      cgraph.CircleShape,
	NodeKindEnd:        cgraph.DoubleCircleShape,
}

// statusPalette holds fill and font colour per overlay status.
var statusPalette = map[string][2]string{
	"completed": {"#2d6a2d", "white"},
	"failed":    {"#8b1a1a", "white"},
	"running":   {"#1a5276", "white"},
	"waiting":   {"#b7791a", "white"},
	"cancelled": {"#5b2c6f", "white"},
	"pending":   {"#d3d3d3", "black"},
	Skipped:     {"#e8e8e8", "#888888"},
}

const takenColor = "#2d6a2d"

// RenderImage lays the model out top to bottom with the graphviz dot engine
// and encodes it as png, svg or dot.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	gvFormat, ok := imageFormats[format]
	if !ok {
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: start graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer g.Close()

	if err := draw(g, model); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func draw(g *cgraph.Graph, model *DiagramModel) error {
	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		styleNode(gn, n)
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
		if e.Default {
			ge.SetStyle(cgraph.DashedEdgeStyle)
		}
		if e.Taken {
			ge.SetColor(takenColor).SetPenWidth(2)
		}
	}
	return nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	label := n.Label
	if n.Detail != "" {
		label += "\n" + n.Detail
	}
	gn.SetLabel(label)

	if shape, ok := kindShapes[n.Kind]; ok {
		gn.SetShape(shape)
	}
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.5).SetHeight(0.5)
	}

	st := n.Status
	if st == nil {
		return
	}
	if colors, ok := statusPalette[st.Status]; ok {
		gn.SetStyle(cgraph.FilledNodeStyle).SetFillColor(colors[0]).SetFontColor(colors[1])
		if st.Status == Skipped {
			gn.SetStyle(cgraph.DashedNodeStyle)
		}
	}
	if st.Current {
		gn.SetPenWidth(3).SetColor("#f1c40f")
	}
}
