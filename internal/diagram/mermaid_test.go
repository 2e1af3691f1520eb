package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(outreachWorkflow(t), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(output, "graph TD\n"))
	assert.Contains(t, output, "%% Attendance outreach")

	// Shapes by kind.
	assert.Contains(t, output, `check{"check"}`)
	assert.Contains(t, output, `alert["alert<br/>send_alert"]`)
	assert.Contains(t, output, `done[["done"]]`)
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, `__end__(("End"))`)

	// Guarded edges carry their condition, default edges are dotted.
	assert.Contains(t, output, `check -->|"attendance.rate less_than 80"| alert`)
	assert.Contains(t, output, `check -.->|"default"| done`)
	assert.Contains(t, output, "__start__ --> check")

	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef waiting")
	assert.NotContains(t, output, "linkStyle")
}

func TestRenderMermaidShapes(t *testing.T) {
	model, err := Build(linearWorkflow(t), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `greet[/"greet<br/>content.email"/]`)
	assert.Contains(t, output, `pause(["pause<br/>delay 24h0m0s"])`)
	// Dashes are not valid in Mermaid IDs.
	assert.Contains(t, output, `follow_up["follow-up<br/>call (await)"]`)
	assert.Contains(t, output, "pause --> follow_up")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	exec := &store.Execution{
		Status:        schema.ExecutionWaiting,
		CurrentNodeID: "pause",
		NodeResults: map[string]*store.NodeResult{
			"greet": {NodeID: "greet", Status: schema.NodeResultCompleted, Attempt: 1},
			"pause": {NodeID: "pause", Status: schema.NodeResultWaiting, Attempt: 1},
		},
	}
	model, err := Build(linearWorkflow(t), exec)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class greet completed")
	assert.Contains(t, output, "class pause waiting")
	assert.Contains(t, output, "class pause current")
	assert.NotContains(t, output, "class follow_up")
	// Edges 0 (start->greet) and 1 (greet->pause) were taken.
	assert.Contains(t, output, "linkStyle 0,1 stroke")
}

func TestRenderMermaidFailedExecution(t *testing.T) {
	exec := &store.Execution{
		Status:        schema.ExecutionFailed,
		CurrentNodeID: "alert",
		NodeResults: map[string]*store.NodeResult{
			"check": {NodeID: "check", Status: schema.NodeResultCompleted, Attempt: 1},
			"alert": {NodeID: "alert", Status: schema.NodeResultFailed, Attempt: 1, Error: "sms gateway down"},
		},
	}
	model, err := Build(outreachWorkflow(t), exec)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class alert failed")
	assert.Contains(t, output, "class done skipped")
	assert.NotContains(t, output, " current\n")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "say #quot;hi#quot;", mermaidEscapeLabel(`say "hi"`))
}
