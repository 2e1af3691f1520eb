package validation

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/rendis/pulse/pkg/schema"
)

// validateGraph checks the node/edge topology and reports every problem
// rather than the first: dangling edges, entry count, reachability, default
// edges and dead-end condition nodes. Cycles are legal and only warned about.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]schema.NodeType, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = n.Type
	}

	out := make(map[string][]string, len(def.Nodes))
	incoming := make(map[string]int, len(def.Nodes))
	defaults := make(map[string]int)
	unguarded := make(map[string]int)

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		_, srcOK := nodes[e.Source]
		_, tgtOK := nodes[e.Target]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeDefinition, fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !tgtOK {
			result.AddError(path+".target", schema.ErrCodeDefinition, fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if !srcOK || !tgtOK {
			continue
		}

		out[e.Source] = append(out[e.Source], e.Target)
		incoming[e.Target]++
		switch {
		case e.Default:
			defaults[e.Source]++
			if defaults[e.Source] == 2 {
				result.AddError(path, schema.ErrCodeDefinition,
					fmt.Sprintf("node %q has more than one default edge", e.Source))
			}
		case !hasGuard(e.Condition):
			unguarded[e.Source]++
			if unguarded[e.Source] == 2 {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("node %q has several unguarded edges; only the first is ever taken", e.Source))
			}
		}
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var entries []string
	for _, id := range ids {
		if incoming[id] == 0 {
			entries = append(entries, id)
		}
		if nodes[id] == schema.NodeTypeCondition && len(out[id]) == 0 {
			result.AddError(fmt.Sprintf("nodes[%s]", id), schema.ErrCodeDefinition,
				fmt.Sprintf("condition node %q has no outgoing edges", id))
		}
	}

	switch len(entries) {
	case 1:
	case 0:
		result.AddError("nodes", schema.ErrCodeDefinition, "workflow has no entry node (every node has an incoming edge)")
		return result
	default:
		result.AddError("nodes", schema.ErrCodeDefinition,
			fmt.Sprintf("workflow has %d entry nodes, want exactly one: %v", len(entries), entries))
		return result
	}

	// Reachability: BFS from the entry.
	reachable := map[string]bool{entries[0]: true}
	queue := []string{entries[0]}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, id := range ids {
		if !reachable[id] {
			result.AddError(fmt.Sprintf("nodes[%s]", id), schema.ErrCodeDefinition,
				fmt.Sprintf("node %q is unreachable from entry %q", id, entries[0]))
		}
	}

	if cyclic := cycleNodes(ids, out); len(cyclic) > 0 {
		limit := def.Settings.EffectiveMaxSteps()
		result.AddWarning("edges", schema.ErrCodeValidation,
			fmt.Sprintf("graph contains a cycle through %v; executions are bounded by max_steps (%d)", cyclic, limit))
	}

	return result
}

// cycleNodes runs Kahn's algorithm and returns the nodes left with a
// positive in-degree, which are exactly those on or downstream of a cycle.
func cycleNodes(ids []string, out map[string][]string) []string {
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, next := range out[id] {
			inDegree[next]++
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	var left []string
	for _, id := range ids {
		if inDegree[id] > 0 {
			left = append(left, id)
		}
	}
	return left
}

func hasGuard(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
