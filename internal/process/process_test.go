package process

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedChecker struct {
	state RunningState
	err   error
}

func (f fixedChecker) IsRunning(context.Context, string, int) (RunningState, error) {
	return f.state, f.err
}

func TestTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()

	state, err := tr.IsRunning(ctx, "com.example.notes", 20010039)
	require.NoError(t, err)
	assert.Equal(t, NotRunning, state)

	run := tr.MarkRunning("com.example.notes", 20010039)
	assert.NotEmpty(t, run)
	assert.Equal(t, run, tr.MarkRunning("com.example.notes", 20010039))

	state, _ = tr.IsRunning(ctx, "com.example.notes", 20010039)
	assert.Equal(t, Running, state)
	assert.Len(t, tr.List(), 1)

	require.NoError(t, tr.Kill(ctx, "com.example.notes", -1))
	state, _ = tr.IsRunning(ctx, "com.example.notes", 20010039)
	assert.Equal(t, NotRunning, state)
	assert.False(t, tr.MarkStopped("com.example.notes", 20010039))
}

func TestMultiChecker(t *testing.T) {
	ctx := context.Background()

	state, err := MultiChecker{fixedChecker{state: NotRunning}, fixedChecker{state: Running}}.IsRunning(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, Running, state)

	state, err = MultiChecker{fixedChecker{state: NotRunning}, fixedChecker{state: Error, err: errors.New("boom")}}.IsRunning(ctx, "a", 1)
	assert.Error(t, err)
	assert.Equal(t, Error, state)

	state, err = MultiChecker{fixedChecker{state: NotRunning}, nil}.IsRunning(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, NotRunning, state)
}

func TestCommandChecker(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	c, err := NewCommandChecker(`sh -c 'test "$0" = com.example.notes' {bundle}`)
	require.NoError(t, err)

	state, err := c.IsRunning(ctx, "com.example.notes", 1)
	require.NoError(t, err)
	assert.Equal(t, Running, state)

	state, err = c.IsRunning(ctx, "com.example.other", 1)
	require.NoError(t, err)
	assert.Equal(t, NotRunning, state)

	broken, err := NewCommandChecker("sh -c 'exit 3'")
	require.NoError(t, err)
	state, err = broken.IsRunning(ctx, "x", 1)
	assert.Error(t, err)
	assert.Equal(t, Error, state)

	_, err = NewCommandChecker("   ")
	assert.Error(t, err)
	_, err = NewCommandChecker(`sh -c 'unterminated`)
	assert.Error(t, err)
}
