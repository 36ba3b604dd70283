package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/telemetry"
	"github.com/accountex-org/reportstream/pkg/testutil"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger(t))

	id := r.Register(nil, map[string]string{"name": "daily-revenue"})
	require.NotEmpty(t, id)

	state, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, state.Status)
	assert.Equal(t, "daily-revenue", state.Metadata["name"])
	assert.False(t, state.StartedAt.IsZero())

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestRegistryTerminalStatusSticky(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger(t))
	id := r.Register(nil, nil)

	require.NoError(t, r.UpdateStatus(id, StatusCompleted))

	err := r.UpdateStatus(id, StatusRunning)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	// re-asserting the same terminal status is a no-op, not an error
	assert.NoError(t, r.UpdateStatus(id, StatusCompleted))

	status, ok := r.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	state, _ := r.Get(id)
	require.NotNil(t, state.CompletedAt)
}

func TestRegistryRecordProgress(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger(t))
	id := r.Register(nil, nil)

	before, _ := r.Get(id)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, r.RecordProgress(id, 100, 2048))
	require.NoError(t, r.RecordProgress(id, 50, 4096))

	state, _ := r.Get(id)
	assert.Equal(t, int64(150), state.RecordsProcessed)
	assert.Equal(t, int64(4096), state.MemoryUsageBytes)
	assert.True(t, state.LastUpdatedAt.After(before.LastUpdatedAt))

	err := r.RecordProgress("unknown", 1, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRegistryMonitorDetectsDeath(t *testing.T) {
	sink := testutil.NewRecordingSink()
	r := NewRegistry(sink, testutil.TestLogger(t))

	done := make(chan struct{})
	id := r.Register(done, nil)

	close(done)

	testutil.AssertEventually(t, func() bool {
		status, ok := r.Status(id)
		return ok && status == StatusFailed
	}, time.Second, "pipeline should be failed after its liveness handle closed")

	events := sink.EventsNamed(telemetry.EventException)
	require.Len(t, events, 1)
	assert.Equal(t, "stage_terminated", events[0].Metadata["reason"])
}

func TestRegistryMonitorIgnoresCleanCompletion(t *testing.T) {
	sink := testutil.NewRecordingSink()
	r := NewRegistry(sink, testutil.TestLogger(t))

	done := make(chan struct{})
	id := r.Register(done, nil)
	require.NoError(t, r.UpdateStatus(id, StatusCompleted))

	close(done)
	time.Sleep(20 * time.Millisecond)

	status, _ := r.Status(id)
	assert.Equal(t, StatusCompleted, status)
	assert.Zero(t, sink.CountNamed(telemetry.EventException))
}

func TestRegistrySweepRemovesOldTerminal(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger(t))
	r.retention = 10 * time.Millisecond

	completed := r.Register(nil, nil)
	running := r.Register(nil, nil)
	require.NoError(t, r.UpdateStatus(completed, StatusCompleted))

	time.Sleep(20 * time.Millisecond)
	r.sweep(time.Now())

	_, ok := r.Get(completed)
	assert.False(t, ok)
	_, ok = r.Get(running)
	assert.True(t, ok)
}

func TestRegistryDeregister(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger(t))
	id := r.Register(nil, nil)

	r.Deregister(id)
	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.Empty(t, r.List())
}
