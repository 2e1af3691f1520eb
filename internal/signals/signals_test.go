package signals

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/pkg/schema"
)

func TestFlatten(t *testing.T) {
	nested := map[string]any{
		"attendance": map[string]any{
			"rate":   72.0,
			"streak": map[string]any{"absent": 3},
		},
		"tags":  []any{"a", "b"},
		"name":  "J. Lee",
		"empty": map[string]any{},
	}

	flat := Flatten(nested)
	assert.Equal(t, Map{
		"attendance.rate":          72.0,
		"attendance.streak.absent": 3,
		"tags":                     []any{"a", "b"},
		"name":                     "J. Lee",
		"empty":                    map[string]any{},
	}, flat)
}

func TestFlatten_Deterministic(t *testing.T) {
	nested := map[string]any{
		"a.b": "literal",
		"a":   map[string]any{"b": "nested"},
	}
	first := Flatten(nested)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Flatten(nested))
	}
	assert.Len(t, first, 1)
}

func TestFlatten_EmptyNestedMapsAreLeaves(t *testing.T) {
	flat := Flatten(map[string]any{
		"plain": map[string]any{},
		"typed": Map{},
		"outer": Map{"inner": Map{}, "rate": 90.0},
	})
	assert.Equal(t, Map{
		"plain":       map[string]any{},
		"typed":       map[string]any{},
		"outer.inner": map[string]any{},
		"outer.rate":  90.0,
	}, flat)

	got, ok := flat.Lookup("typed")
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestFlatten_ArraysAreLeaves(t *testing.T) {
	flat := Flatten(map[string]any{"list": []any{map[string]any{"x": 1}}})
	assert.Equal(t, []any{map[string]any{"x": 1}}, flat["list"])
	_, ok := flat["list.0.x"]
	assert.False(t, ok)
}

func TestMap_Lookup(t *testing.T) {
	flat := Map{"attendance.rate": 72.0}
	v, ok := flat.Lookup("attendance.rate")
	require.True(t, ok)
	assert.Equal(t, 72.0, v)

	nested := Map{"attendance": map[string]any{"rate": 65.0}}
	v, ok = nested.Lookup("attendance.rate")
	require.True(t, ok)
	assert.Equal(t, 65.0, v)

	_, ok = nested.Lookup("attendance.missing")
	assert.False(t, ok)
	_, ok = Map(nil).Lookup("x")
	assert.False(t, ok)
	_, ok = flat.Lookup("")
	assert.False(t, ok)
}

func TestDeriver_Apply(t *testing.T) {
	d, err := NewDeriver(nil)
	require.NoError(t, err)

	sig := Map{"present": 18.0, "total": 20.0}
	prev := Map{"rate": 95.0}
	derived := []Derived{
		{Name: "rate", Expression: `signals.present * 100.0 / signals.total`},
		{Name: "rate_drop", Expression: `previous.rate - signals.rate`},
		{Name: "broken", Expression: `signals.nope + 1.0`},
	}

	out := d.Apply(context.Background(), sig, prev, derived)
	assert.Equal(t, 90.0, out["rate"])
	assert.Equal(t, 5.0, out["rate_drop"])
	_, ok := out["broken"]
	assert.False(t, ok, "failed derivation is omitted")

	_, mutated := sig["rate"]
	assert.False(t, mutated)
}

func TestDeriver_NoDerivedReturnsInput(t *testing.T) {
	d, err := NewDeriver(nil)
	require.NoError(t, err)
	sig := Map{"a": 1}
	assert.Equal(t, sig, d.Apply(context.Background(), sig, nil, nil))
}

func TestDeriver_Check(t *testing.T) {
	d, err := NewDeriver(nil)
	require.NoError(t, err)

	assert.NoError(t, d.Check([]Derived{{Name: "x", Expression: "1 + 1"}}))
	assert.Error(t, d.Check([]Derived{{Name: "x", Expression: "1 +"}}))
	assert.Error(t, d.Check([]Derived{{Expression: "1"}}))
}

func TestSourceFunc(t *testing.T) {
	src := SourceFunc(func(_ context.Context, entityType, entityID string) (Map, error) {
		return Map{"type": entityType, "id": entityID}, nil
	})
	m, err := src.Snapshot(context.Background(), "student", "s-1")
	require.NoError(t, err)
	assert.Equal(t, Map{"type": "student", "id": "s-1"}, m)
}

func TestChange_Validate(t *testing.T) {
	ok := Change{Kind: schema.TriggerMetricThreshold, EntityType: "student", EntityID: "s-1"}
	assert.NoError(t, ok.Validate())

	noKind := Change{EntityType: "student", EntityID: "s-1"}
	assert.NoError(t, noKind.Validate(), "kind is optional")

	missing := Change{EntityType: "student"}
	err := missing.Validate()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	badKind := Change{Kind: schema.TriggerManual, EntityType: "student", EntityID: "s-1"}
	assert.Error(t, badKind.Validate(), "manual workflows are not started by signals")
}

func TestChange_Flattening(t *testing.T) {
	c := Change{
		EntityType: "student",
		EntityID:   "s-1",
		Signals:    map[string]any{"attendance": map[string]any{"rate": 72}},
	}
	assert.Equal(t, Map{"attendance.rate": 72}, c.Current())
	assert.Nil(t, c.Before())

	c.Previous = map[string]any{"attendance.rate": 85}
	assert.Equal(t, Map{"attendance.rate": 85}, c.Before())
}
