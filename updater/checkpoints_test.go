package updater

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := OpenCheckpointStore("", filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCheckpointStoreMergesWorkers(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Store(Checkpoint{
		JobId: "job", SuperStepNumber: 2, WorkerId: 0,
		State: map[string]UpdaterState{"a": {Vertex: 6765, Context: 10946, SuperStep: 2, Steps: 20}},
	}))
	require.NoError(t, store.Store(Checkpoint{
		JobId: "job", SuperStepNumber: 2, WorkerId: 1,
		State: map[string]UpdaterState{"b": {Vertex: 1, Context: 2, SuperStep: 2, Steps: 20}},
	}))
	require.NoError(t, store.Store(Checkpoint{
		JobId: "other", SuperStepNumber: 2, WorkerId: 0,
		State: map[string]UpdaterState{"c": {}},
	}))

	checkpoint, err := store.Retrieve("job", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), checkpoint.SuperStepNumber)
	assert.Len(t, checkpoint.State, 2)
	assert.Equal(t, 6765.0, checkpoint.State["a"].Vertex)
	assert.Equal(t, 2.0, checkpoint.State["b"].Context)
}

func TestCheckpointStoreNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Retrieve("job", 4)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointStoreClearsLaterSupersteps(t *testing.T) {
	store := openTestStore(t)
	for _, ssn := range []uint64{2, 4} {
		require.NoError(t, store.Store(Checkpoint{
			JobId: "job", SuperStepNumber: ssn, WorkerId: 0,
			State: map[string]UpdaterState{"a": {SuperStep: ssn}},
		}))
	}

	// a restarted run checkpoints superstep 2 again
	require.NoError(t, store.Store(Checkpoint{
		JobId: "job", SuperStepNumber: 2, WorkerId: 0,
		State: map[string]UpdaterState{"a": {SuperStep: 2, Steps: 99}},
	}))

	_, err := store.Retrieve("job", 4)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	checkpoint, err := store.Retrieve("job", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), checkpoint.State["a"].Steps)
}

func TestCheckpointStoreReset(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Store(Checkpoint{
		JobId: "job", SuperStepNumber: 1, WorkerId: 3,
		State: map[string]UpdaterState{"a": {}},
	}))
	require.NoError(t, store.Reset("job"))
	_, err := store.Retrieve("job", 1)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointStoreBind(t *testing.T) {
	store := &CheckpointStore{dialect: dialects[SQLSERVER]}
	assert.Equal(t,
		"DELETE FROM checkpoints WHERE jobId=@p1 AND workerId=@p2",
		store.bind("DELETE FROM checkpoints WHERE jobId=? AND workerId=?"),
	)

	_, err := OpenCheckpointStore("postgres", "")
	assert.Error(t, err)
}
