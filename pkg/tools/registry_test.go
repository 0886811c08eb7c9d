package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinRegistry(t *testing.T) {
	r := NewBuiltinRegistry()
	assert.Equal(t, []string{"echo", "time"}, r.Names())

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "echo", defs[0].Name)
	assert.NotEmpty(t, defs[0].ParametersSchema)
}

func TestEchoExecute(t *testing.T) {
	r := NewBuiltinRegistry()

	out, err := r.Execute(context.Background(), "echo", `{"text":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = r.Execute(context.Background(), "echo", `not json`)
	assert.Error(t, err)
}

func TestTimeExecute(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	r := NewRegistry()
	r.Register(&TimeTool{Now: func() time.Time { return fixed }})

	out, err := r.Execute(context.Background(), "time", "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14T09:26:53Z", out)
}

func TestUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "missing", "{}")
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewBuiltinRegistry()
	r.Unregister("echo")
	_, ok := r.Get("echo")
	assert.False(t, ok)
	assert.Equal(t, []string{"time"}, r.Names())
}
