package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/config"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/detector"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
)

// stubDetector lets tests script scan behavior per detector.
type stubDetector struct {
	name string
	scan func(ctx context.Context, prev detector.State) ([]models.DetectionResult, detector.State, error)
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Scan(ctx context.Context, prev detector.State) ([]models.DetectionResult, detector.State, error) {
	return s.scan(ctx, prev)
}

func emitting(name string, events ...models.EventType) *stubDetector {
	return &stubDetector{
		name: name,
		scan: func(_ context.Context, _ detector.State) ([]models.DetectionResult, detector.State, error) {
			results := make([]models.DetectionResult, 0, len(events))
			for i, ev := range events {
				results = append(results, models.NewDetectionResult(name, ev, name+"-subject", map[string]string{"n": string(rune('0' + i))}))
			}
			return results, "state-" + name, nil
		},
	}
}

func failing(name string) *stubDetector {
	return &stubDetector{
		name: name,
		scan: func(_ context.Context, _ detector.State) ([]models.DetectionResult, detector.State, error) {
			return nil, nil, &detector.ScanFailure{DetectorName: name, Err: errors.New("boom")}
		},
	}
}

func newTestAgent(t *testing.T, dets ...detector.Detector) *Agent {
	t.Helper()
	cfg := config.New()
	require.NoError(t, cfg.Set(config.KeyDetectionInterval, 50*time.Millisecond))

	a, err := New(cfg, nil)
	require.NoError(t, err)
	a.detectors = dets
	a.newDetectors = func() ([]detector.Detector, error) { return dets, nil }
	return a
}

func TestNew_BuildsDetectorsFromConfig(t *testing.T) {
	cfg := config.New()
	require.NoError(t, cfg.Set(config.KeyEnabledDetectors, []string{config.DetectorFileSystem}))

	a, err := New(cfg, nil)

	require.NoError(t, err)
	require.Len(t, a.detectors, 1)
	assert.Equal(t, config.DetectorFileSystem, a.detectors[0].Name())
}

func TestRunSingleDetection_RegistrationOrder(t *testing.T) {
	a := newTestAgent(t,
		emitting("first", models.EventCreated, models.EventModified),
		emitting("second", models.EventRemoved),
	)

	results := a.RunSingleDetection()

	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].DetectorName)
	assert.Equal(t, "first", results[1].DetectorName)
	assert.Equal(t, "second", results[2].DetectorName)
	assert.Equal(t, models.EventCreated, results[0].EventType)
	assert.Equal(t, models.EventModified, results[1].EventType)
	assert.Equal(t, models.EventRemoved, results[2].EventType)
}

func TestRunSingleDetection_FailingDetectorIsolated(t *testing.T) {
	a := newTestAgent(t,
		failing("broken"),
		emitting("healthy", models.EventCreated),
	)

	results := a.RunSingleDetection()

	require.Len(t, results, 1)
	assert.Equal(t, "healthy", results[0].DetectorName)
	assert.Equal(t, uint64(1), a.scanFailures.Load())
}

func TestRunSingleDetection_FailedScanLeavesSnapshotUntouched(t *testing.T) {
	a := newTestAgent(t, emitting("d", models.EventCreated))

	a.RunSingleDetection()
	state, ok := a.store.Load("d")
	require.True(t, ok)
	assert.Equal(t, "state-d", state)

	a.detectors = []detector.Detector{failing("d")}
	a.RunSingleDetection()

	state, ok = a.store.Load("d")
	require.True(t, ok)
	assert.Equal(t, "state-d", state, "failed scan must not overwrite the previous snapshot")
}

func TestRunSingleDetection_PassesPreviousState(t *testing.T) {
	var seen []detector.State
	d := &stubDetector{
		name: "d",
		scan: func(_ context.Context, prev detector.State) ([]models.DetectionResult, detector.State, error) {
			seen = append(seen, prev)
			return nil, "next", nil
		},
	}
	a := newTestAgent(t, d)

	a.RunSingleDetection()
	a.RunSingleDetection()

	require.Len(t, seen, 2)
	assert.Nil(t, seen[0])
	assert.Equal(t, "next", seen[1])
}

func TestRunSingleDetection_LateScanAbandonedButSnapshotHonored(t *testing.T) {
	slow := &stubDetector{
		name: "slow",
		scan: func(_ context.Context, _ detector.State) ([]models.DetectionResult, detector.State, error) {
			time.Sleep(200 * time.Millisecond)
			return []models.DetectionResult{
				models.NewDetectionResult("slow", models.EventCreated, "late", nil),
			}, "slow-state", nil
		},
	}
	a := newTestAgent(t, slow, emitting("fast", models.EventCreated))

	// Budget is detection_interval (50ms): the slow scan is abandoned for
	// aggregation, the fast one still lands.
	results := a.RunSingleDetection()

	require.Len(t, results, 1)
	assert.Equal(t, "fast", results[0].DetectorName)

	// The late scan finishes in the background and its snapshot write is
	// still honored.
	assert.Eventually(t, func() bool {
		state, ok := a.store.Load("slow")
		return ok && state == "slow-state"
	}, time.Second, 10*time.Millisecond)
}

func TestRunSingleDetection_BoundedByMaxThreads(t *testing.T) {
	cfg := config.New()
	require.NoError(t, cfg.Set(config.KeyDetectionInterval, time.Second))
	require.NoError(t, cfg.Set(config.KeyMaxThreads, 1))

	a, err := New(cfg, nil)
	require.NoError(t, err)

	var active, peak atomic.Int32
	counting := func(name string) *stubDetector {
		return &stubDetector{
			name: name,
			scan: func(_ context.Context, _ detector.State) ([]models.DetectionResult, detector.State, error) {
				n := active.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(20 * time.Millisecond)
				active.Add(-1)
				return nil, nil, nil
			},
		}
	}
	a.detectors = []detector.Detector{counting("a"), counting("b"), counting("c")}

	a.RunSingleDetection()

	assert.Equal(t, int32(1), peak.Load())
}

func TestStartStop_Lifecycle(t *testing.T) {
	a := newTestAgent(t, emitting("d"))

	require.NoError(t, a.Start())
	assert.True(t, a.IsRunning())

	assert.ErrorIs(t, a.Start(), ErrAlreadyRunning)

	require.NoError(t, a.Stop())
	assert.False(t, a.IsRunning())

	assert.ErrorIs(t, a.Stop(), ErrNotRunning)

	// idle -> running again after a full cycle of transitions.
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())
}

func TestStop_OnIdleAgent(t *testing.T) {
	a := newTestAgent(t, emitting("d"))

	assert.ErrorIs(t, a.Stop(), ErrNotRunning)
}

func TestPeriodicLoop_InvokesCallbacksEachCycle(t *testing.T) {
	a := newTestAgent(t, emitting("d", models.EventCreated))

	cycles := make(chan []models.DetectionResult, 16)
	a.AddCallback(func(results []models.DetectionResult) error {
		cycles <- results
		return nil
	})

	require.NoError(t, a.Start())
	defer a.Stop()

	for i := 0; i < 2; i++ {
		select {
		case results := <-cycles:
			require.Len(t, results, 1)
			assert.Equal(t, "d", results[0].DetectorName)
		case <-time.After(2 * time.Second):
			t.Fatalf("cycle %d callback never fired", i+1)
		}
	}
}

func TestPeriodicLoop_FailingCallbackIsolated(t *testing.T) {
	a := newTestAgent(t, emitting("d", models.EventCreated))

	var later atomic.Int32
	a.AddCallback(func([]models.DetectionResult) error {
		return errors.New("callback boom")
	})
	a.AddCallback(func([]models.DetectionResult) error {
		panic("callback panic")
	})
	a.AddCallback(func([]models.DetectionResult) error {
		later.Add(1)
		return nil
	})

	require.NoError(t, a.Start())
	defer a.Stop()

	// The last callback keeps firing on cycle N and N+1 despite the two
	// failing ones before it.
	assert.Eventually(t, func() bool { return later.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, a.callbackFailures.Load(), uint64(2))
}

func TestCallbacks_InvokedInRegistrationOrder(t *testing.T) {
	a := newTestAgent(t)

	var order []int
	for i := 1; i <= 3; i++ {
		n := i
		a.AddCallback(func([]models.DetectionResult) error {
			order = append(order, n)
			return nil
		})
	}

	a.notifyCallbacks(nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRunSingleDetection_WhileRunning(t *testing.T) {
	a := newTestAgent(t, emitting("d", models.EventCreated))

	require.NoError(t, a.Start())
	defer a.Stop()

	results := a.RunSingleDetection()
	require.Len(t, results, 1)
}

func TestHistory(t *testing.T) {
	a := newTestAgent(t, emitting("d", models.EventCreated, models.EventRemoved))

	a.RunSingleDetection()
	a.RunSingleDetection()

	history := a.History()
	assert.Len(t, history, 4)

	a.ClearHistory()
	assert.Empty(t, a.History())
}

func TestStatus(t *testing.T) {
	a := newTestAgent(t, emitting("d", models.EventCreated), failing("broken"))
	a.AddCallback(func([]models.DetectionResult) error { return nil })

	a.RunSingleDetection()
	status := a.Status()

	assert.Equal(t, "idle", status.State)
	assert.Equal(t, []string{"d", "broken"}, status.Detectors)
	assert.Equal(t, uint64(1), status.CyclesCompleted)
	assert.Equal(t, uint64(1), status.ScanFailures)
	assert.Equal(t, 1, status.CallbacksRegistered)
	assert.Equal(t, 1, status.HistorySize)
}

func TestStart_RebuildsDetectorsFromConfig(t *testing.T) {
	cfg := config.New()
	require.NoError(t, cfg.Set(config.KeyDetectionInterval, 50*time.Millisecond))
	require.NoError(t, cfg.Set(config.KeyEnabledDetectors, []string{config.DetectorFileSystem, config.DetectorProcess}))

	a, err := New(cfg, nil)
	require.NoError(t, err)
	require.Len(t, a.detectors, 2)

	require.NoError(t, cfg.Set(config.KeyEnabledDetectors, []string{config.DetectorProcess}))
	require.NoError(t, a.Start())
	defer a.Stop()

	assert.Equal(t, []string{config.DetectorProcess}, a.Status().Detectors)
}
