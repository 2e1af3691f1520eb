// Package definitions loads rule and workflow documents from YAML or JSON
// files and installs them into a store.
//
// A file holds one or more documents (YAML "---" separated). Each document is
// either a single rule, a single workflow, or a bundle with "rules" and
// "workflows" lists. A document is a workflow when it has "nodes", a rule when
// it has "entity_type" and "output". An explicit "kind" field overrides the
// detection.
package definitions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/pulse/internal/rules"
	"github.com/rendis/pulse/pkg/schema"
)

// Document kinds.
const (
	KindRule     = "rule"
	KindWorkflow = "workflow"
	KindBundle   = "bundle"
)

// Bundle is the set of definitions read from one or more files.
type Bundle struct {
	Rules     []*rules.Rule
	Workflows []*schema.WorkflowDefinition

	// Sources maps "rule:<id>" and "workflow:<id>" to the file defining it.
	Sources map[string]string
}

func newBundle() *Bundle {
	return &Bundle{Sources: make(map[string]string)}
}

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml", ".json"}

// LoadDir reads every definition file directly under dir, in name order.
// Errors of all files are joined; the bundle holds what loaded cleanly.
func LoadDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !hasExtension(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	b := newBundle()
	var errs []error
	for _, name := range names {
		path := filepath.Join(dir, name)
		fb, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
		}
		if fb != nil {
			if err := b.merge(fb); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return b, errors.Join(errs...)
}

// LoadFile reads one definition file.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes the documents in data. name is used in error messages and
// selects the decoder: ".json" files are decoded as JSON, anything else as
// YAML (which accepts JSON too).
func Parse(name string, data []byte) (*Bundle, error) {
	docs, err := decodeDocuments(name, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s: %s", name, err.Error()).WithCause(err)
	}

	b := newBundle()
	var errs []error
	for i, doc := range docs {
		where := name
		if len(docs) > 1 {
			where = fmt.Sprintf("%s#%d", name, i+1)
		}
		if err := b.addDocument(where, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return b, errors.Join(errs...)
}

func decodeDocuments(name string, data []byte) ([]map[string]any, error) {
	if strings.EqualFold(filepath.Ext(name), ".json") {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return []map[string]any{doc}, nil
	}

	var docs []map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (b *Bundle) addDocument(where string, doc map[string]any) error {
	kind, err := kindOf(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition, "%s: %s", where, err.Error())
	}

	switch kind {
	case KindRule:
		return b.addRule(where, doc)
	case KindWorkflow:
		return b.addWorkflow(where, doc)
	}

	var errs []error
	for i, item := range listOf(doc["rules"]) {
		if err := b.addRule(fmt.Sprintf("%s rules[%d]", where, i), item); err != nil {
			errs = append(errs, err)
		}
	}
	for i, item := range listOf(doc["workflows"]) {
		if err := b.addWorkflow(fmt.Sprintf("%s workflows[%d]", where, i), item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func kindOf(doc map[string]any) (string, error) {
	if k, ok := doc["kind"].(string); ok {
		switch k {
		case KindRule, KindWorkflow, KindBundle:
			return k, nil
		}
		return "", fmt.Errorf("unknown kind %q", k)
	}
	_, hasRules := doc["rules"]
	_, hasWorkflows := doc["workflows"]
	switch {
	case hasRules || hasWorkflows:
		return KindBundle, nil
	case doc["nodes"] != nil:
		return KindWorkflow, nil
	case doc["entity_type"] != nil && doc["output"] != nil:
		return KindRule, nil
	}
	return "", errors.New("cannot tell whether the document is a rule or a workflow")
}

func listOf(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *Bundle) addRule(where string, doc map[string]any) error {
	data, err := reencode(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition, "%s: %s", where, err.Error()).WithCause(err)
	}
	r, err := rules.ParseJSON(data)
	if err != nil {
		return fmt.Errorf("%s: %w", where, err)
	}
	return b.putRule(where, r)
}

func (b *Bundle) addWorkflow(where string, doc map[string]any) error {
	data, err := reencode(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition, "%s: %s", where, err.Error()).WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition, "%s: decode workflow: %s", where, err.Error()).WithCause(err)
	}
	if def.ID == "" {
		return schema.NewErrorf(schema.ErrCodeDefinition, "%s: workflow has no id", where)
	}
	return b.putWorkflow(where, &def)
}

func (b *Bundle) putRule(where string, r *rules.Rule) error {
	key := KindRule + ":" + r.ID
	if prev, ok := b.Sources[key]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s: rule %q already defined in %s", where, r.ID, prev)
	}
	b.Sources[key] = where
	b.Rules = append(b.Rules, r)
	return nil
}

func (b *Bundle) putWorkflow(where string, def *schema.WorkflowDefinition) error {
	key := KindWorkflow + ":" + def.ID
	if prev, ok := b.Sources[key]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s: workflow %q already defined in %s", where, def.ID, prev)
	}
	b.Sources[key] = where
	b.Workflows = append(b.Workflows, def)
	return nil
}

func (b *Bundle) merge(other *Bundle) error {
	var errs []error
	for _, r := range other.Rules {
		if err := b.putRule(other.Sources[KindRule+":"+r.ID], r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, wf := range other.Workflows {
		if err := b.putWorkflow(other.Sources[KindWorkflow+":"+wf.ID], wf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reencode turns a decoded YAML document into JSON so the typed decoders
// (rules.Definition, schema.WorkflowDefinition) can read it. The "kind" key
// is dropped.
func reencode(doc map[string]any) ([]byte, error) {
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "kind" {
			continue
		}
		cp[k] = v
	}
	return json.Marshal(cp)
}

func hasExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
