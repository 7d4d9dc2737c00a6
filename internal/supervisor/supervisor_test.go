package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
)

// fakeSpawner lets tests control spawn/terminate outcomes per entry.
type fakeSpawner struct {
	mu          sync.Mutex
	spawnErr    map[string]error
	spawnCount  int32
	termCount   int32
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawnErr: make(map[string]error)}
}

func (f *fakeSpawner) Spawn(ctx context.Context, name string) error {
	atomic.AddInt32(&f.spawnCount, 1)
	f.mu.Lock()
	err := f.spawnErr[name]
	f.mu.Unlock()
	return err
}

func (f *fakeSpawner) Terminate(ctx context.Context, name string, grace time.Duration) error {
	atomic.AddInt32(&f.termCount, 1)
	return nil
}

func (f *fakeSpawner) setSpawnErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnErr[name] = err
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestStartTransitionsToRunning(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{Name: "agent-a", AutoRestart: true})

	ok, err := sup.Start(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, ok)

	status, found := sup.Status("agent-a")
	require.True(t, found)
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, 1, status.StartCount)
}

func TestStartSpawnErrorMarksFailed(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.setSpawnErr("agent-a", fmt.Errorf("boom"))
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{Name: "agent-a"})

	ok, err := sup.Start(context.Background(), "agent-a")
	assert.Error(t, err)
	assert.False(t, ok)

	status, _ := sup.Status("agent-a")
	assert.Equal(t, StateFailed, status.State)
}

func TestStopDisablesAutoRestart(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{Name: "agent-a", AutoRestart: true})

	_, err := sup.Start(context.Background(), "agent-a")
	require.NoError(t, err)

	err = sup.Stop(context.Background(), "agent-a", time.Millisecond)
	require.NoError(t, err)

	status, _ := sup.Status("agent-a")
	assert.Equal(t, StateStopped, status.State)

	// Unexpected exit after Stop should not trigger a restart.
	sup.HandleExit(context.Background(), "agent-a", 1)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&spawner.spawnCount))
}

func TestCircuitOpensAfterThresholdFailures(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{
		Name:             "agent-a",
		CircuitThreshold: 3,
		CircuitWindow:    time.Minute,
	})

	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = sup.Restart(context.Background(), "agent-a")
	}

	require.Error(t, lastErr)
	status, _ := sup.Status("agent-a")
	assert.True(t, status.CircuitOpen)
	assert.Equal(t, StateCircuitOpen, status.State)

	// Circuit open refuses further restarts immediately.
	err := sup.Restart(context.Background(), "agent-a")
	assert.Error(t, err)
}

func TestResetCircuitAllowsImmediateRetry(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{Name: "agent-a", CircuitThreshold: 1, CircuitWindow: time.Minute})

	err := sup.Restart(context.Background(), "agent-a")
	require.Error(t, err)
	status, _ := sup.Status("agent-a")
	assert.True(t, status.CircuitOpen)

	require.NoError(t, sup.ResetCircuit("agent-a"))
	status, _ = sup.Status("agent-a")
	assert.False(t, status.CircuitOpen)

	ok, err := sup.Start(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMaxRestartsTerminatesToFailed(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{
		Name:             "agent-a",
		MaxRestarts:      1,
		CircuitThreshold: 100,
		CircuitWindow:    time.Minute,
	})

	require.NoError(t, sup.Restart(context.Background(), "agent-a"))
	err := sup.Restart(context.Background(), "agent-a")
	require.Error(t, err)

	status, _ := sup.Status("agent-a")
	assert.Equal(t, StateFailed, status.State)
}

func TestRestartContainerSurfacesCircuitOpenError(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{Name: "agent-a", CircuitThreshold: 1, CircuitWindow: time.Minute})

	err := sup.RestartContainer(context.Background(), "agent-a")
	require.Error(t, err)
}

func TestHandleExitSchedulesAutoRestart(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{
		Name:           "agent-a",
		AutoRestart:    true,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2,
	})

	_, err := sup.Start(context.Background(), "agent-a")
	require.NoError(t, err)

	sup.HandleExit(context.Background(), "agent-a", 1)

	require.Eventually(t, func() bool {
		status, _ := sup.Status("agent-a")
		return status.State == StateRunning && status.RestartCount == 1
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestShutdownStopsEveryEntry(t *testing.T) {
	spawner := newFakeSpawner()
	sup := New(spawner, nil, testLogger(t))
	sup.Register(EntryConfig{Name: "agent-a", AutoRestart: true})
	sup.Register(EntryConfig{Name: "agent-b", AutoRestart: true})

	_, _ = sup.Start(context.Background(), "agent-a")
	_, _ = sup.Start(context.Background(), "agent-b")

	sup.Shutdown(context.Background())

	for _, name := range []string{"agent-a", "agent-b"} {
		status, _ := sup.Status(name)
		assert.Equal(t, StateStopped, status.State)
	}
}
