package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

// Graph is the parsed, validated form of a WorkflowDefinition. Node configs
// are decoded once here so stepping never re-reads raw JSON.
type Graph struct {
	WorkflowID    string
	Version       int
	Entry         string
	Nodes         map[string]*Node
	Outgoing      map[string][]*Edge // source -> edges in declaration order
	MaxSteps      int
	OutputKeyMode string
}

// Node is a graph node with its typed config. Exactly one config field is
// set, matching Type.
type Node struct {
	ID   string
	Type schema.NodeType
	Name string

	Action     *schema.ActionConfig
	Content    *schema.ContentConfig
	Condition  *schema.ConditionConfig
	Wait       *WaitSpec
	Checkpoint *schema.CheckpointConfig

	// AwaitTimeout is the parsed ActionConfig.AwaitTimeout.
	AwaitTimeout time.Duration
}

// WaitSpec is a parsed wait node config. Exactly one of Delay, Until or
// Event is set.
type WaitSpec struct {
	Delay     time.Duration
	Until     *time.Time
	Event     string
	Timeout   time.Duration
	OutputKey string
}

// Edge is a parsed edge. Guard is nil for unguarded edges.
type Edge struct {
	ID      string
	Source  string
	Target  string
	Guard   schema.Condition
	Default bool
	Label   string
}

// outputKey returns the configured output key of the node.
func (n *Node) outputKey() string {
	switch {
	case n.Action != nil:
		return n.Action.OutputKey
	case n.Content != nil:
		return n.Content.OutputKey
	case n.Condition != nil:
		return n.Condition.OutputKey
	case n.Wait != nil:
		return n.Wait.OutputKey
	case n.Checkpoint != nil:
		return n.Checkpoint.OutputKey
	}
	return ""
}

// OutputKey is where the node's output is merged into the context. Empty
// means the output is recorded in node_results only.
func (g *Graph) OutputKey(n *Node) string {
	if key := n.outputKey(); key != "" {
		return key
	}
	if g.OutputKeyMode == schema.OutputKeyExplicit {
		return ""
	}
	return n.ID
}

// ParseGraph validates def and builds its Graph. Every problem is a
// DEFINITION_ERROR; the first one found is returned.
func ParseGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow definition is nil")
	}
	if !def.TriggerType.Known() {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown trigger type %q", def.TriggerType)
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has no nodes")
	}
	switch def.Settings.OutputKeyMode {
	case "", schema.OutputKeyNode, schema.OutputKeyExplicit:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown output_key_mode %q", def.Settings.OutputKeyMode)
	}

	g := &Graph{
		WorkflowID:    def.ID,
		Version:       def.Version,
		Nodes:         make(map[string]*Node, len(def.Nodes)),
		Outgoing:      make(map[string][]*Edge, len(def.Nodes)),
		MaxSteps:      def.Settings.EffectiveMaxSteps(),
		OutputKeyMode: def.Settings.OutputKeyMode,
	}

	// Nodes: unique IDs, known types, typed configs.
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if nd.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[nd.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "duplicate node ID: %s", nd.ID)
		}
		node, err := parseNode(nd)
		if err != nil {
			return nil, err
		}
		g.Nodes[nd.ID] = node
	}

	// Edges: known endpoints, parseable guards, one default per source.
	incoming := make(map[string]int, len(def.Nodes))
	defaults := make(map[string]string)
	for i, ed := range def.Edges {
		if _, ok := g.Nodes[ed.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "edge %d references unknown source node %q", i, ed.Source)
		}
		if _, ok := g.Nodes[ed.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "edge %d references unknown target node %q", i, ed.Target)
		}

		edge := &Edge{
			ID:      ed.ID,
			Source:  ed.Source,
			Target:  ed.Target,
			Default: ed.Default,
			Label:   ed.Label,
		}
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s->%s", ed.Source, ed.Target)
		}
		if hasCondition(ed.Condition) {
			guard, err := schema.ParseCondition(ed.Condition)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "edge %s: invalid condition: %s", edge.ID, err.Error()).
					WithNode(ed.Source).WithCause(err)
			}
			edge.Guard = guard
		}
		if edge.Default {
			if prev, dup := defaults[ed.Source]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"node %s has more than one default edge (%s, %s)", ed.Source, prev, edge.ID).WithNode(ed.Source)
			}
			defaults[ed.Source] = edge.ID
		}

		g.Outgoing[ed.Source] = append(g.Outgoing[ed.Source], edge)
		incoming[ed.Target]++
	}

	// Exactly one entry node.
	var entries []string
	for id := range g.Nodes {
		if incoming[id] == 0 {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	switch len(entries) {
	case 1:
		g.Entry = entries[0]
	case 0:
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has no entry node (every node has an incoming edge)")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "workflow has %d entry nodes, want exactly one: %v", len(entries), entries).
			WithDetails(map[string]any{"entries": entries})
	}

	// Every node reachable from the entry.
	if unreachable := g.unreachable(); len(unreachable) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unreachable nodes: %v", unreachable).
			WithDetails(map[string]any{"nodes": unreachable})
	}

	for id, node := range g.Nodes {
		if node.Type == schema.NodeTypeCondition && len(g.Outgoing[id]) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "condition node %s has no outgoing edges", id).WithNode(id)
		}
	}

	return g, nil
}

func (g *Graph) unreachable() []string {
	seen := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	var out []string
	for id := range g.Nodes {
		if !seen[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func hasCondition(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func parseNode(nd *schema.NodeDefinition) (*Node, error) {
	node := &Node{ID: nd.ID, Type: nd.Type, Name: nd.Name}
	bad := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeDefinition, "node %s: "+format, append([]any{nd.ID}, args...)...).WithNode(nd.ID)
	}

	switch nd.Type {
	case schema.NodeTypeAction:
		var cfg schema.ActionConfig
		if err := decodeConfig(nd.Config, &cfg); err != nil {
			return nil, bad("invalid action config: %s", err.Error())
		}
		if cfg.Action == "" {
			return nil, bad("action config requires 'action'")
		}
		if !isObjectOrNil(cfg.Payload) {
			return nil, bad("action payload must be an object")
		}
		if cfg.AwaitTimeout != "" {
			if !cfg.Await {
				return nil, bad("await_timeout requires await")
			}
			d, err := schema.ParseDuration(cfg.AwaitTimeout)
			if err != nil || d <= 0 {
				return nil, bad("invalid await_timeout %q", cfg.AwaitTimeout)
			}
			node.AwaitTimeout = d
		}
		node.Action = &cfg

	case schema.NodeTypeContent:
		var cfg schema.ContentConfig
		if err := decodeConfig(nd.Config, &cfg); err != nil {
			return nil, bad("invalid content config: %s", err.Error())
		}
		if cfg.Subject == "" && cfg.Body == "" && cfg.Payload == nil {
			return nil, bad("content config needs a subject, body or payload")
		}
		node.Content = &cfg

	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if err := decodeConfig(nd.Config, &cfg); err != nil {
			return nil, bad("invalid condition config: %s", err.Error())
		}
		node.Condition = &cfg

	case schema.NodeTypeWait:
		var cfg schema.WaitConfig
		if err := decodeConfig(nd.Config, &cfg); err != nil {
			return nil, bad("invalid wait config: %s", err.Error())
		}
		spec, err := parseWait(cfg)
		if err != nil {
			return nil, bad("%s", err.Error())
		}
		node.Wait = spec

	case schema.NodeTypeCheckpoint:
		var cfg schema.CheckpointConfig
		if err := decodeConfig(nd.Config, &cfg); err != nil {
			return nil, bad("invalid checkpoint config: %s", err.Error())
		}
		node.Checkpoint = &cfg

	default:
		return nil, bad("unknown node type %q", nd.Type)
	}
	return node, nil
}

func parseWait(cfg schema.WaitConfig) (*WaitSpec, error) {
	set := 0
	if cfg.Delay != "" {
		set++
	}
	if cfg.Until != nil {
		set++
	}
	if cfg.Event != "" {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("wait config needs exactly one of delay, until or event (got %d)", set)
	}

	spec := &WaitSpec{Until: cfg.Until, Event: cfg.Event, OutputKey: cfg.OutputKey}
	if cfg.Delay != "" {
		d, err := schema.ParseDuration(cfg.Delay)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid delay %q", cfg.Delay)
		}
		spec.Delay = d
	}
	if cfg.Timeout != "" {
		if cfg.Event == "" {
			return nil, fmt.Errorf("timeout is only valid with event")
		}
		d, err := schema.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", cfg.Timeout)
		}
		spec.Timeout = d
	}
	return spec, nil
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if !hasCondition(raw) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func isObjectOrNil(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(map[string]any)
	return ok
}

// graphCache memoizes parsed graphs per workflow revision.
type graphCache struct {
	cache *gocache.Cache
}

func newGraphCache(ttl time.Duration) *graphCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &graphCache{cache: gocache.New(ttl, 2*ttl)}
}

func graphKey(wf *store.Workflow) string {
	return fmt.Sprintf("%s@%d@%d", wf.ID, wf.Version, wf.UpdatedAt.UnixNano())
}

// get returns the parsed graph of wf, running check and parsing on a miss.
func (c *graphCache) get(wf *store.Workflow, check func(*schema.WorkflowDefinition) error) (*Graph, error) {
	key := graphKey(wf)
	if g, ok := c.cache.Get(key); ok {
		return g.(*Graph), nil
	}
	if check != nil {
		if err := check(&wf.Definition); err != nil {
			return nil, err
		}
	}
	g, err := ParseGraph(&wf.Definition)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, g)
	return g, nil
}
