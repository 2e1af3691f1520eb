package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rendis/pulse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name    string
	desc    string
	out     any
	pending bool
	err     error
	invalid error
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Execute(_ context.Context, _ ActionInput) (*ActionOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := s.out
	if out == nil {
		out = map[string]any{"ok": true}
	}
	return &ActionOutput{Data: out, Pending: s.pending}, nil
}
func (s *stubAction) Validate(_ map[string]any) error { return s.invalid }

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&stubAction{name: "test.action", desc: "A test action"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.action"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	err := reg.Register(&stubAction{name: "dup"})
	require.Error(t, err)

	var pe *schema.PulseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeConflict, pe.Code)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry(nil)
	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubAction{name: ""}), schema.ErrCodeValidation))
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "fetch"}))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())

	_, err = reg.Get("nonexistent")
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "zeta", desc: "last"}))
	require.NoError(t, reg.Register(&stubAction{name: "alpha", desc: "first"}))
	require.NoError(t, reg.Register(&stubAction{name: "mid"}))

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "first", list[0].Description)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestRegistry_RegisterPrefixed(t *testing.T) {
	reg := NewRegistry(nil)
	n, err := reg.RegisterPrefixed("sms", []Action{
		&stubAction{name: "send"},
		&stubAction{name: "status"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("sms.send"))
	assert.True(t, reg.Has("sms.status"))

	got, err := reg.Get("sms.send")
	require.NoError(t, err)
	assert.Equal(t, "sms.send", got.Name())

	_, err = reg.RegisterPrefixed("sms", []Action{&stubAction{name: "send"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = reg.RegisterPrefixed("", []Action{&stubAction{name: "x"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRegistry_Dispatch(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "ok", out: map[string]any{"sent": true}}))
	require.NoError(t, reg.Register(&stubAction{name: "broken", err: fmt.Errorf("smtp down")}))
	require.NoError(t, reg.Register(&stubAction{name: "picky", invalid: fmt.Errorf("missing to")}))

	ctx := context.Background()

	res, err := reg.Dispatch(ctx, "ok", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Pending)
	assert.Equal(t, map[string]any{"sent": true}, res.Output)

	res, err = reg.Dispatch(ctx, "broken", map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "smtp down")

	res, err = reg.Dispatch(ctx, "picky", map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "missing to")
}

func TestRegistry_Dispatch_UnknownAction(t *testing.T) {
	reg := NewRegistry(nil)
	res, err := reg.Dispatch(context.Background(), "sms.send", map[string]any{})
	assert.Nil(t, res)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))
}

func TestRegistry_Dispatch_Pending(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "explicit", pending: true}))
	require.NoError(t, reg.Register(&stubAction{name: "flagged", out: map[string]any{"pending": true, "ticket": "T-1"}}))

	for _, name := range []string{"explicit", "flagged"} {
		res, err := reg.Dispatch(context.Background(), name, nil)
		require.NoError(t, err)
		assert.True(t, res.Success, name)
		assert.True(t, res.Pending, name)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = reg.Register(&stubAction{name: fmt.Sprintf("a%d", n)})
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.List()
			_, _ = reg.Dispatch(context.Background(), "a1", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, reg.Count())
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry(nil)
	start := func(context.Context, string, map[string]any) (string, error) { return "exec-1", nil }
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{
		Channels: map[string]string{"sms": "http://127.0.0.1:1/sms"},
		Start:    start,
	}))

	for _, name := range []string{
		"noop", "log", "fail", "webhook", "compute", "transform",
		"content.message", "content.sms", "workflow.start",
	} {
		assert.True(t, reg.Has(name), name)
	}

	reg = NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	assert.False(t, reg.Has("workflow.start"))
}
