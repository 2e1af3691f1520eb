package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindAction     NodeKind = "action"
	NodeKindContent    NodeKind = "content"
	NodeKindCondition  NodeKind = "condition"
	NodeKindWait       NodeKind = "wait"
	NodeKindCheckpoint NodeKind = "checkpoint"
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node IDs by their distance from the start node.
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Detail string // second line: action name, wait spec, content channel
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a node for one execution.
type StatusOverlay struct {
	Status  string // node result status, or the execution status for the current node
	Attempt int
	Error   string
	Current bool
}

// Edge connects two nodes. Label describes the guard of conditional edges.
type Edge struct {
	From    string
	To      string
	Label   string
	Default bool
	Taken   bool // the execution went from From to To
}

// Node returns the node with the given ID, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
