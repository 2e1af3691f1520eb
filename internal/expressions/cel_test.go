package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/pulse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_SignalsArithmetic(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"signals": map[string]any{"attendance.present": float64(18), "attendance.total": float64(20)},
	}
	out, err := e.Evaluate(context.Background(),
		`signals["attendance.present"] * 100.0 / signals["attendance.total"]`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(90), out)
}

func TestCEL_PreviousDefaultsToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"score" in previous`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_Delta(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"signals":  map[string]any{"score": float64(70)},
		"previous": map[string]any{"score": float64(85)},
	}
	out, err := e.Evaluate(context.Background(), `signals.score - previous.score`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(-15), out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "signals.", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `signals.missing + 1`, map[string]any{"signals": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	assert.Error(t, e.Compile("1 +"))
	assert.NoError(t, e.Compile("1 + 1"))
}

func TestCEL_CacheConcurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "1 + 2", nil)
			assert.NoError(t, err)
			assert.Equal(t, int64(3), out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.len())
}

func TestCEL_Extensions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"signals":  map[string]any{"math": 61.0, "reading": 74.0, "band": "AT-RISK"},
		"previous": map[string]any{"math": 70.0},
	}
	out, err := e.Evaluate(context.Background(), `math.least(signals.math, signals.reading)`, data)
	require.NoError(t, err)
	assert.Equal(t, 61.0, out)

	out, err = e.Evaluate(context.Background(), `signals.band.lowerAscii()`, data)
	require.NoError(t, err)
	assert.Equal(t, "at-risk", out)
}
