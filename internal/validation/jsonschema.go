package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/pulse/pkg/schema"
)

const workflowSchemaURL = "https://pulse.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition. Node configs
// are checked per type by the graph parser; here only their shape is fixed.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pulse.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "trigger_type", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "trigger_type": {
      "type": "string",
      "enum": ["metric_threshold", "metric_change", "survey_response", "schedule", "manual"]
    },
    "trigger_config": { "type": "object" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "settings": { "$ref": "#/$defs/settings" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["content", "action", "condition", "wait", "checkpoint"]
        },
        "name": { "type": "string" },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "condition": { "type": ["object", "array", "null"] },
        "default": { "type": "boolean" },
        "label": { "type": "string" }
      },
      "additionalProperties": false
    },
    "settings": {
      "type": "object",
      "properties": {
        "output_key_mode": { "type": "string", "enum": ["node", "explicit"] },
        "max_steps": { "type": "integer", "minimum": 0 },
        "description": { "type": "string" },
        "tags": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    }
  }
}`

// Violation is one leaf failure reported by a JSON Schema. Path uses the
// same dotted form as ValidationIssue paths, e.g. "nodes[0].type".
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// JSONSchemaValidator holds the compiled workflow schema and a cache of
// caller schemas keyed by the hash of their text. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	inputs         *gocache.Cache
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wf, err := compileSchema(workflowSchemaURL, []byte(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wf,
		inputs:         gocache.New(gocache.NoExpiration, 0),
	}, nil
}

// DefinitionViolations lists every schema violation of def plus duplicate
// node ids. A nil slice means def is structurally sound.
func (v *JSONSchemaValidator) DefinitionViolations(def *schema.WorkflowDefinition) ([]Violation, error) {
	doc, err := toJSONValue(def)
	if err != nil {
		return nil, err
	}
	out := violationsOf(v.workflowSchema.Validate(doc))

	seen := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if first, dup := seen[n.ID]; dup {
			out = append(out, Violation{
				Path:    fmt.Sprintf("nodes[%d].id", i),
				Message: fmt.Sprintf("duplicate node id %q (first at nodes[%d])", n.ID, first),
			})
			continue
		}
		seen[n.ID] = i
	}
	return out, nil
}

// ValidateDefinition reports the violations of def as one VALIDATION_ERROR
// whose details carry them under "violations".
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	vs, err := v.DefinitionViolations(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is not JSON-encodable").WithCause(err)
	}
	return violationError(vs)
}

// ValidateInput checks input against a JSON Schema given as raw text. An
// empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	vs, err := v.InputViolations(input, inputSchema)
	if err != nil {
		return err
	}
	return violationError(vs)
}

// InputViolations is ValidateInput returning the violations themselves.
func (v *JSONSchemaValidator) InputViolations(input any, inputSchema []byte) ([]Violation, error) {
	if len(bytes.TrimSpace(inputSchema)) == 0 {
		return nil, nil
	}
	compiled, err := v.inputSchema(inputSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input is not JSON-encodable").WithCause(err)
	}
	return violationsOf(compiled.Validate(doc)), nil
}

func (v *JSONSchemaValidator) inputSchema(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if hit, ok := v.inputs.Get(key); ok {
		return hit.(*jsonschema.Schema), nil
	}
	// Racing compiles of the same text produce equivalent schemas.
	compiled, err := compileSchema("pulse://schemas/"+key, raw)
	if err != nil {
		return nil, err
	}
	v.inputs.SetDefault(key, compiled)
	return compiled, nil
}

// compileSchema uses a fresh compiler each time so resource URLs never clash.
func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func violationError(vs []Violation) error {
	if len(vs) == 0 {
		return nil
	}
	lines := make([]string, len(vs))
	for i, v := range vs {
		lines[i] = v.String()
	}
	msg := lines[0]
	if len(lines) > 1 {
		msg = fmt.Sprintf("%d schema violations, first: %s", len(lines), lines[0])
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": lines})
}

var printer = message.NewPrinter(language.English)

// violationsOf flattens the cause tree of a jsonschema.ValidationError into
// its leaves. Any other error becomes a single pathless violation.
func violationsOf(err error) []Violation {
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{{Message: err.Error()}}
	}
	if len(verr.Causes) == 0 {
		return []Violation{{Path: dottedPath(verr.InstanceLocation), Message: verr.ErrorKind.LocalizedString(printer)}}
	}
	var out []Violation
	for _, c := range verr.Causes {
		out = append(out, violationsOf(c)...)
	}
	return out
}

// dottedPath turns ["nodes", "0", "type"] into "nodes[0].type".
func dottedPath(loc []string) string {
	var b strings.Builder
	for _, seg := range loc {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
