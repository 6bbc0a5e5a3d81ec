package environment

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suiteview/suiteview/tree"
)

// fakeCommander records lifecycle calls instead of invoking docker.
type fakeCommander struct {
	ups   int
	downs int
}

func (f *fakeCommander) Up(ctx context.Context, composePath string) error {
	f.ups++
	return nil
}

func (f *fakeCommander) Down(ctx context.Context, composePath string) error {
	f.downs++
	return nil
}

func newTestManager(t *testing.T, withCompose bool) (*Manager, *fakeCommander) {
	t.Helper()
	dir := t.TempDir()
	if withCompose {
		err := os.WriteFile(filepath.Join(dir, ComposeFilename), []byte("services: {}\n"), 0o644)
		require.NoError(t, err)
	}
	commander := &fakeCommander{}
	return NewManager(dir, commander, slog.Default()), commander
}

func TestManagerWithoutComposeFileIsInactive(t *testing.T) {
	m, commander := newTestManager(t, false)
	assert.Equal(t, tree.EnvStateInactive, m.State())

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsStateError(err))
	assert.Zero(t, commander.ups, "no command is dispatched on misuse")
}

func TestManagerLifecycle(t *testing.T) {
	m, commander := newTestManager(t, true)
	require.Equal(t, tree.EnvStateStopped, m.State())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, tree.EnvStateStarted, m.State())
	assert.Equal(t, 1, commander.ups)

	require.NoError(t, m.BeginStop())
	assert.Equal(t, tree.EnvStateStopping, m.State())
	assert.Zero(t, commander.downs, "shutdown has not started yet")

	require.NoError(t, m.FinishStop(context.Background()))
	assert.Equal(t, tree.EnvStateStopped, m.State())
	assert.Equal(t, 1, commander.downs)
}

func TestManagerRejectsIllegalCalls(t *testing.T) {
	m, _ := newTestManager(t, true)

	// Stop before start.
	assert.True(t, IsStateError(m.BeginStop()))
	assert.True(t, IsStateError(m.FinishStop(context.Background())))

	require.NoError(t, m.Start(context.Background()))

	// Double start.
	assert.True(t, IsStateError(m.Start(context.Background())))

	// FinishStop without BeginStop.
	assert.True(t, IsStateError(m.FinishStop(context.Background())))

	require.NoError(t, m.BeginStop())

	// Start while stopping.
	assert.True(t, IsStateError(m.Start(context.Background())))
}
