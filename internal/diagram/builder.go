package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/pulse/internal/engine"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

// Skipped marks nodes a finished execution never visited.
const Skipped = "skipped"

// Build constructs a DiagramModel from a WorkflowDefinition and an optional
// execution whose node results are overlaid on the nodes.
func Build(def *schema.WorkflowDefinition, exec *store.Execution) (*DiagramModel, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	levels, depth := buildLevels(g)
	sort.SliceStable(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] < depth[ids[j]]
		}
		return ids[i] < ids[j]
	})

	nodes := make([]*Node, 0, len(ids)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range ids {
		node := graphNode(g.Nodes[id])
		overlayStatus(node, exec)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(g, ids, exec),
		Levels: levels,
	}, nil
}

func graphNode(n *engine.Node) *Node {
	node := &Node{ID: n.ID, Label: n.ID, Kind: kindOf(n.Type)}
	if n.Name != "" {
		node.Label = n.Name
	}
	switch {
	case n.Action != nil:
		node.Detail = n.Action.Action
		if n.Action.Await {
			node.Detail += " (await)"
		}
	case n.Content != nil:
		channel := n.Content.Channel
		if channel == "" {
			channel = schema.DefaultContentChannel
		}
		node.Detail = "content." + channel
	case n.Wait != nil:
		node.Detail = waitDetail(n.Wait)
	}
	return node
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeContent:
		return NodeKindContent
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeWait:
		return NodeKindWait
	case schema.NodeTypeCheckpoint:
		return NodeKindCheckpoint
	default:
		return NodeKindAction
	}
}

func waitDetail(w *engine.WaitSpec) string {
	switch {
	case w.Delay > 0:
		return "delay " + w.Delay.String()
	case w.Until != nil:
		return "until " + w.Until.UTC().Format("2006-01-02 15:04")
	case w.Event != "":
		if w.Timeout > 0 {
			return fmt.Sprintf("event %s (timeout %s)", w.Event, w.Timeout)
		}
		return "event " + w.Event
	}
	return ""
}

// overlayStatus applies the execution's result for the node. The node the
// execution stands on shows the execution status when it has no result yet.
func overlayStatus(node *Node, exec *store.Execution) {
	if exec == nil {
		return
	}
	current := exec.CurrentNodeID == node.ID && !exec.Status.Terminal()
	if res, ok := exec.NodeResults[node.ID]; ok && res != nil {
		node.Status = &StatusOverlay{
			Status:  string(res.Status),
			Attempt: res.Attempt,
			Error:   res.Error,
			Current: current,
		}
		return
	}
	switch {
	case current:
		node.Status = &StatusOverlay{Status: string(exec.Status), Current: true}
	case exec.Status.Terminal():
		node.Status = &StatusOverlay{Status: Skipped}
	}
}

func buildEdges(g *engine.Graph, ids []string, exec *store.Execution) []Edge {
	visited := func(id string) bool {
		if exec == nil {
			return false
		}
		_, ok := exec.NodeResults[id]
		return ok
	}

	edges := []Edge{{From: StartID, To: g.Entry, Taken: exec != nil}}
	for _, id := range ids {
		out := g.Outgoing[id]
		if len(out) == 0 {
			edges = append(edges, Edge{From: id, To: EndID, Taken: visited(id) && exec.Status.Terminal()})
			continue
		}
		for _, e := range out {
			edges = append(edges, Edge{
				From:    e.Source,
				To:      e.Target,
				Label:   edgeLabel(e),
				Default: e.Default,
				Taken:   visited(e.Source) && visited(e.Target),
			})
		}
	}
	return edges
}

func edgeLabel(e *engine.Edge) string {
	switch {
	case e.Label != "":
		return e.Label
	case e.Guard != nil:
		return DescribeCondition(e.Guard)
	case e.Default:
		return "default"
	}
	return ""
}

// DescribeCondition renders a condition tree as a short expression, e.g.
// "attendance.rate less_than 80 and grades.trend equals down".
func DescribeCondition(c schema.Condition) string {
	switch n := c.(type) {
	case *schema.Criterion:
		if n.Value == nil {
			return fmt.Sprintf("%s %s", n.Field, n.Operator)
		}
		return fmt.Sprintf("%s %s %v", n.Field, n.Operator, n.Value)
	case *schema.All:
		return joinConditions(n.Children, " and ")
	case *schema.Any:
		return joinConditions(n.Children, " or ")
	}
	return ""
}

func joinConditions(children []schema.Condition, sep string) string {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		s := DescribeCondition(c)
		if s == "" {
			continue
		}
		if _, group := c.(*schema.Criterion); !group && len(children) > 1 {
			s = "(" + s + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, sep)
}

// buildLevels groups nodes by breadth-first distance from the entry. Back
// edges of cycles do not move a node to a deeper level.
func buildLevels(g *engine.Graph) ([][]string, map[string]int) {
	depth := map[string]int{g.Entry: 0}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing[id] {
			if _, seen := depth[e.Target]; !seen {
				depth[e.Target] = depth[id] + 1
				queue = append(queue, e.Target)
			}
		}
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, maxDepth+3)
	levels[0] = []string{StartID}
	for id, d := range depth {
		levels[d+1] = append(levels[d+1], id)
	}
	for i := 1; i <= maxDepth+1; i++ {
		sort.Strings(levels[i])
	}
	levels[maxDepth+2] = []string{EndID}
	return levels, depth
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
