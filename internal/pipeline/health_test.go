package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/telemetry"
	"github.com/accountex-org/reportstream/pkg/testutil"
)

func newTestHealth(t *testing.T, cfg config.HealthConfig) (*HealthMonitor, *Registry, *testutil.RecordingSink) {
	t.Helper()
	sink := testutil.NewRecordingSink()
	registry := NewRegistry(sink, testutil.TestLogger(t))
	monitor := NewHealthMonitor(registry, cfg, sink, testutil.TestLogger(t))
	return monitor, registry, sink
}

func TestHealthCheckEmitsPerPipeline(t *testing.T) {
	monitor, registry, sink := newTestHealth(t, config.HealthConfig{
		CheckInterval: time.Second,
		StallTimeout:  time.Minute,
	})

	registry.Register(nil, nil)
	id := registry.Register(nil, nil)
	require.NoError(t, registry.RecordProgress(id, 500, 1024))

	monitor.check(time.Now())

	events := sink.EventsNamed(telemetry.EventHealthCheck)
	assert.Len(t, events, 2)
}

func TestHealthCheckSumsRunningMemory(t *testing.T) {
	monitor, registry, sink := newTestHealth(t, config.HealthConfig{
		CheckInterval: time.Second,
		StallTimeout:  time.Minute,
	})

	a := registry.Register(nil, nil)
	b := registry.Register(nil, nil)
	done := registry.Register(nil, nil)
	require.NoError(t, registry.RecordProgress(a, 10, 1024))
	require.NoError(t, registry.RecordProgress(b, 10, 2048))
	require.NoError(t, registry.RecordProgress(done, 10, 4096))
	require.NoError(t, registry.UpdateStatus(done, StatusCompleted))

	monitor.check(time.Now())

	// only running pipelines contribute to the sum
	events := sink.EventsNamed(telemetry.EventHealthCheck)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, float64(3072), ev.Measurements[telemetry.KeyTotalMemoryBytes])
	}
}

func TestHealthMemoryPauseAndResume(t *testing.T) {
	monitor, registry, sink := newTestHealth(t, config.HealthConfig{
		CheckInterval:        time.Second,
		StallTimeout:         time.Minute,
		MemoryThresholdBytes: 100,
	})
	id := registry.Register(nil, nil)

	require.NoError(t, registry.RecordProgress(id, 0, 200))
	monitor.check(time.Now())

	status, _ := registry.Status(id)
	assert.Equal(t, StatusPaused, status)
	require.Equal(t, 1, sink.CountNamed(telemetry.EventMemoryWarning))

	// still over threshold: stays paused, no duplicate warning
	monitor.check(time.Now())
	assert.Equal(t, 1, sink.CountNamed(telemetry.EventMemoryWarning))

	require.NoError(t, registry.RecordProgress(id, 0, 50))
	monitor.check(time.Now())

	status, _ = registry.Status(id)
	assert.Equal(t, StatusRunning, status)
}

func TestHealthMemoryCheckIsPerPipeline(t *testing.T) {
	monitor, registry, _ := newTestHealth(t, config.HealthConfig{
		CheckInterval:        time.Second,
		StallTimeout:         time.Minute,
		MemoryThresholdBytes: 100,
	})

	heavy := registry.Register(nil, nil)
	light := registry.Register(nil, nil)
	require.NoError(t, registry.RecordProgress(heavy, 0, 200))
	require.NoError(t, registry.RecordProgress(light, 0, 30))

	monitor.check(time.Now())

	// only the pipeline over its own threshold is paused, even though
	// the summed usage of both exceeds it
	status, _ := registry.Status(heavy)
	assert.Equal(t, StatusPaused, status)
	status, _ = registry.Status(light)
	assert.Equal(t, StatusRunning, status)
}

func TestHealthDoesNotResumeOperatorPause(t *testing.T) {
	monitor, registry, _ := newTestHealth(t, config.HealthConfig{
		CheckInterval:        time.Second,
		StallTimeout:         time.Minute,
		MemoryThresholdBytes: 100,
	})
	id := registry.Register(nil, nil)
	require.NoError(t, registry.RecordProgress(id, 0, 50))
	require.NoError(t, registry.UpdateStatus(id, StatusPaused))

	monitor.check(time.Now())

	status, _ := registry.Status(id)
	assert.Equal(t, StatusPaused, status)
}

func TestHealthStallDetection(t *testing.T) {
	monitor, registry, sink := newTestHealth(t, config.HealthConfig{
		CheckInterval: time.Second,
		StallTimeout:  20 * time.Millisecond,
	})
	stalled := registry.Register(nil, nil)
	active := registry.Register(nil, nil)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, registry.RecordProgress(active, 10, 0))

	monitor.check(time.Now())

	status, _ := registry.Status(stalled)
	assert.Equal(t, StatusFailed, status)
	status, _ = registry.Status(active)
	assert.Equal(t, StatusRunning, status)

	events := sink.EventsNamed(telemetry.EventStalled)
	require.Len(t, events, 1)
	assert.Greater(t, events[0].Measurements["idle_seconds"], 0.0)
}

func TestHealthSkipsTerminalPipelines(t *testing.T) {
	monitor, registry, sink := newTestHealth(t, config.HealthConfig{
		CheckInterval:        time.Second,
		StallTimeout:         10 * time.Millisecond,
		MemoryThresholdBytes: 100,
	})
	id := registry.Register(nil, nil)
	require.NoError(t, registry.RecordProgress(id, 0, 500))
	require.NoError(t, registry.UpdateStatus(id, StatusCompleted))

	time.Sleep(20 * time.Millisecond)
	monitor.check(time.Now())

	status, _ := registry.Status(id)
	assert.Equal(t, StatusCompleted, status)
	assert.Zero(t, sink.CountNamed(telemetry.EventStalled))
	assert.Zero(t, sink.CountNamed(telemetry.EventMemoryWarning))
}

func TestHealthPrunesPauseBookkeeping(t *testing.T) {
	monitor, registry, _ := newTestHealth(t, config.HealthConfig{
		CheckInterval:        time.Second,
		StallTimeout:         time.Minute,
		MemoryThresholdBytes: 100,
	})

	failed := registry.Register(nil, nil)
	gone := registry.Register(nil, nil)
	require.NoError(t, registry.RecordProgress(failed, 0, 200))
	require.NoError(t, registry.RecordProgress(gone, 0, 200))

	monitor.check(time.Now())

	monitor.mu.Lock()
	assert.Len(t, monitor.pausedByMem, 2)
	monitor.mu.Unlock()

	require.NoError(t, registry.UpdateStatus(failed, StatusFailed))
	registry.Deregister(gone)

	monitor.check(time.Now())

	monitor.mu.Lock()
	assert.Empty(t, monitor.pausedByMem)
	monitor.mu.Unlock()
}

func TestHealthMonitorLoop(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	monitor, registry, sink := newTestHealth(t, config.HealthConfig{
		CheckInterval: 10 * time.Millisecond,
		StallTimeout:  time.Minute,
	})
	registry.Register(nil, nil)

	monitor.Start(ctx)
	defer monitor.Stop()

	testutil.AssertEventually(t, func() bool {
		return sink.CountNamed(telemetry.EventHealthCheck) >= 2
	}, time.Second, "expected periodic health checks")
}
