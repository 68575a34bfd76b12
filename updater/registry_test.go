package updater

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramsLookup(t *testing.T) {
	programs := DefaultPrograms()
	assert.Equal(t, []string{FIBONACCI, POWER}, programs.Names())

	fib, err := programs.Lookup(FIBONACCI)
	require.NoError(t, err)
	assert.Equal(t, 5.0, fib(2, 3))

	pow, err := programs.Lookup(POWER)
	require.NoError(t, err)
	assert.Equal(t, 6.0, pow(2, 3))

	_, err = programs.Lookup("collatz")
	assert.ErrorIs(t, err, ErrUnknownProgram)
}

func TestProgramsRegister(t *testing.T) {
	programs := DefaultPrograms()
	require.NoError(t, programs.Register("avg", func() UpdateFunc {
		return func(vertex, context float64) float64 { return (vertex + context) / 2 }
	}))
	assert.True(t, programs.Has("avg"))

	err := programs.Register(FIBONACCI, func() UpdateFunc { return sum })
	assert.ErrorIs(t, err, ErrProgramExists)
	assert.Error(t, programs.Register("", func() UpdateFunc { return sum }))
	assert.Error(t, programs.Register("nil", nil))
}

func TestProgramsFreshClosures(t *testing.T) {
	programs := NewPrograms()
	require.NoError(t, programs.Register("count", func() UpdateFunc {
		n := 0.0
		return func(vertex, context float64) float64 {
			n++
			return n
		}
	}))

	a, err := programs.newUpdater(UpdaterSpec{Name: "a", Program: "count"}, 3)
	require.NoError(t, err)
	b, err := programs.newUpdater(UpdaterSpec{Name: "b", Program: "count"}, 1)
	require.NoError(t, err)

	require.NoError(t, a.Run())
	require.NoError(t, b.Run())
	assert.Equal(t, 3.0, a.Context())
	assert.Equal(t, 1.0, b.Context())
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(DefaultPrograms())

	view, err := registry.Create("fib", 0, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, DEFAULT_STEPS_PER_RUN, view.StepsPerRun)
	assert.Empty(t, view.Program)

	_, err = registry.Create("fib", 0, 1, 0)
	assert.ErrorIs(t, err, ErrUpdaterExists)
	_, err = registry.Create("", 0, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = registry.Run(ctx, "fib")
	assert.ErrorIs(t, err, ErrNoUpdate)

	view, err = registry.SetProgram("fib", FIBONACCI)
	require.NoError(t, err)
	assert.Equal(t, FIBONACCI, view.Program)

	_, err = registry.SetProgram("fib", "collatz")
	assert.ErrorIs(t, err, ErrUnknownProgram)
	_, err = registry.SetProgram("missing", FIBONACCI)
	assert.ErrorIs(t, err, ErrUnknownUpdater)

	view, err = registry.Run(ctx, "fib")
	require.NoError(t, err)
	assert.Equal(t, 55.0, view.State.Vertex)
	view, err = registry.Run(ctx, "fib")
	require.NoError(t, err)
	assert.Equal(t, 6765.0, view.State.Vertex)
	assert.Equal(t, uint64(2), view.State.SuperStep)

	_, err = registry.Create("pow", 1, 2, 0)
	require.NoError(t, err)
	views := registry.List()
	require.Len(t, views, 2)
	assert.Equal(t, "fib", views[0].Name)
	assert.Equal(t, "pow", views[1].Name)

	require.NoError(t, registry.Delete("fib"))
	assert.ErrorIs(t, registry.Delete("fib"), ErrUnknownUpdater)
	_, err = registry.Get("fib")
	assert.ErrorIs(t, err, ErrUnknownUpdater)
}
