// Package agent drives detection cycles: it owns the configured detector
// set, the snapshot store, the callback registry, and the periodic loop that
// ties them together.
//
// Lifecycle:
//  1. New() - builds the detector set from enabled_detectors
//  2. Start() - transitions idle -> running and begins the periodic loop
//  3. Stop() - signals cancellation, waits for the in-flight cycle, returns
//     the agent to idle
//
// A misbehaving detector or callback never takes the agent down: scan and
// callback failures are logged, counted, and isolated to the cycle they
// happened in.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/config"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/detector"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/snapshot"
)

// Lifecycle misuse errors, surfaced synchronously to the caller.
var (
	ErrAlreadyRunning = errors.New("agent is already running")
	ErrNotRunning     = errors.New("agent is not running")
)

// Callback observes one cycle's aggregated results. A callback that returns
// an error (or panics) is isolated: the failure is recorded and the
// remaining callbacks still run.
type Callback func(results []models.DetectionResult) error

const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

// maxHistoryEvents bounds the in-memory detection history.
const maxHistoryEvents = 1000

// Agent owns the detection scheduling and diffing core.
type Agent struct {
	cfg   *config.Config
	store *snapshot.Store
	log   *zap.SugaredLogger

	// lifecycle serializes Start/Stop transitions; state is read lock-free
	// by Status and the loop.
	lifecycle sync.Mutex
	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}

	detMu     sync.RWMutex
	detectors []detector.Detector

	// newDetectors builds the detector set on Start; defaults to the
	// config-driven factory, swapped out in tests.
	newDetectors func() ([]detector.Detector, error)

	cbMu      sync.Mutex
	callbacks []Callback

	histMu  sync.Mutex
	history []models.DetectionResult

	cyclesCompleted  atomic.Uint64
	scanFailures     atomic.Uint64
	callbackFailures atomic.Uint64
}

// New creates an idle agent. The detector set is built from the current
// enabled_detectors option; Start rebuilds it, so options changed between
// runs take effect on the next Start.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Agent, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	a := &Agent{
		cfg:   cfg,
		store: snapshot.NewStore(),
		log:   logger,
	}
	a.newDetectors = a.buildDetectors
	dets, err := a.newDetectors()
	if err != nil {
		return nil, err
	}
	a.detectors = dets
	return a, nil
}

func (a *Agent) buildDetectors() ([]detector.Detector, error) {
	names := a.cfg.GetStrings(config.KeyEnabledDetectors, nil)
	dets := make([]detector.Detector, 0, len(names))
	for _, name := range names {
		d, err := detector.New(name, a.cfg)
		if err != nil {
			return nil, fmt.Errorf("building detector set: %w", err)
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// Start transitions the agent to running and begins the periodic loop.
// Returns ErrAlreadyRunning unless the agent is idle.
func (a *Agent) Start() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.state.Load() != stateIdle {
		return ErrAlreadyRunning
	}

	dets, err := a.newDetectors()
	if err != nil {
		return err
	}
	a.detMu.Lock()
	a.detectors = dets
	a.detMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.state.Store(stateRunning)

	a.log.Infof("agent started with %d detector(s), interval %s",
		len(dets), a.cfg.GetDuration(config.KeyDetectionInterval, 30*time.Second))

	go a.loop(ctx, a.done)
	return nil
}

// Stop cancels the loop, waits for the in-flight cycle to finish or be
// abandoned, and returns the agent to idle. Returns ErrNotRunning unless
// the agent is running.
func (a *Agent) Stop() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.state.Load() != stateRunning {
		return ErrNotRunning
	}

	a.state.Store(stateStopping)
	a.cancel()
	<-a.done
	a.state.Store(stateIdle)

	a.log.Infof("agent stopped")
	return nil
}

// IsRunning reports whether the periodic loop is active.
func (a *Agent) IsRunning() bool {
	return a.state.Load() == stateRunning
}

// AddCallback appends fn to the callback registry. Callbacks are invoked
// sequentially, in registration order, once per periodic cycle.
func (a *Agent) AddCallback(fn Callback) {
	if fn == nil {
		return
	}
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.callbacks = append(a.callbacks, fn)
}

// RunSingleDetection runs one full detection cycle synchronously and returns
// the aggregated results in detector-registration order. It may be called
// whether or not the periodic loop is running; registered callbacks are not
// invoked, the results go to the caller instead.
func (a *Agent) RunSingleDetection() []models.DetectionResult {
	return a.runCycle(context.Background())
}

// loop waits detection_interval between cycles and dispatches callbacks
// after each one. The interval is re-read every iteration so Set takes
// effect on the next wait.
func (a *Agent) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		interval := a.cfg.GetDuration(config.KeyDetectionInterval, 30*time.Second)
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		results := a.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		a.notifyCallbacks(results)
	}
}

type scanOutcome struct {
	idx     int
	results []models.DetectionResult
	err     error
}

// runCycle dispatches every detector's scan across a worker pool bounded by
// max_threads, waits for completion or the cycle's soft budget, and
// aggregates results in detector-registration order.
//
// The options a cycle needs are read once at cycle start, so a concurrent
// Set cannot tear behavior mid-cycle. A scan still running past the budget
// is abandoned for aggregation but keeps running; its snapshot save is
// honored when it completes, so no diffing progress is lost.
func (a *Agent) runCycle(ctx context.Context) []models.DetectionResult {
	budget := a.cfg.GetDuration(config.KeyDetectionInterval, 30*time.Second)
	maxThreads := a.cfg.GetInt(config.KeyMaxThreads, 4)

	a.detMu.RLock()
	dets := make([]detector.Detector, len(a.detectors))
	copy(dets, a.detectors)
	a.detMu.RUnlock()

	if len(dets) == 0 {
		a.cyclesCompleted.Add(1)
		return nil
	}

	sem := semaphore.NewWeighted(int64(maxThreads))
	// Buffered to detector count: a scan finishing after the cycle gave up
	// on it must never block on delivery.
	outcomes := make(chan scanOutcome, len(dets))

	for i, d := range dets {
		go func(idx int, det detector.Detector) {
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes <- scanOutcome{idx: idx, err: &detector.ScanFailure{DetectorName: det.Name(), Err: err}}
				return
			}
			defer sem.Release(1)

			prev, _ := a.store.Load(det.Name())
			results, next, err := det.Scan(ctx, prev)
			if err == nil {
				a.store.Save(det.Name(), next)
			}
			outcomes <- scanOutcome{idx: idx, results: results, err: err}
		}(i, d)
	}

	slots := make([][]models.DetectionResult, len(dets))
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	received := 0
collect:
	for received < len(dets) {
		select {
		case out := <-outcomes:
			received++
			if out.err != nil {
				a.scanFailures.Add(1)
				a.log.Warnf("scan failure: %v", out.err)
				continue
			}
			slots[out.idx] = out.results
		case <-deadline.C:
			a.log.Warnf("cycle budget %s exceeded, abandoning %d unfinished scan(s)", budget, len(dets)-received)
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	var aggregated []models.DetectionResult
	for _, results := range slots {
		aggregated = append(aggregated, results...)
	}

	a.cyclesCompleted.Add(1)
	a.appendHistory(aggregated)

	if len(aggregated) > 0 {
		a.log.Infof("detected %d event(s)", len(aggregated))
	}
	return aggregated
}

// notifyCallbacks invokes every registered callback exactly once with the
// cycle's aggregated results, in registration order. Failures are counted
// and logged; they never stop the remaining callbacks or the next cycle.
func (a *Agent) notifyCallbacks(results []models.DetectionResult) {
	a.cbMu.Lock()
	callbacks := make([]Callback, len(a.callbacks))
	copy(callbacks, a.callbacks)
	a.cbMu.Unlock()

	for i, cb := range callbacks {
		if err := a.invokeCallback(cb, results); err != nil {
			a.callbackFailures.Add(1)
			a.log.Warnf("callback %d failed: %v", i, err)
		}
	}
}

func (a *Agent) invokeCallback(cb Callback, results []models.DetectionResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb(results)
}

func (a *Agent) appendHistory(results []models.DetectionResult) {
	if len(results) == 0 {
		return
	}
	a.histMu.Lock()
	defer a.histMu.Unlock()
	a.history = append(a.history, results...)
	if len(a.history) > maxHistoryEvents {
		a.history = a.history[len(a.history)-maxHistoryEvents:]
	}
}

// History returns a copy of the retained detection events, oldest first.
// History is in-memory only and bounded; it does not survive a restart.
func (a *Agent) History() []models.DetectionResult {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	out := make([]models.DetectionResult, len(a.history))
	copy(out, a.history)
	return out
}

// ClearHistory drops all retained detection events.
func (a *Agent) ClearHistory() {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	a.history = nil
}

// Status returns a point-in-time snapshot of the agent.
func (a *Agent) Status() models.AgentStatus {
	a.detMu.RLock()
	names := make([]string, len(a.detectors))
	for i, d := range a.detectors {
		names[i] = d.Name()
	}
	a.detMu.RUnlock()

	a.cbMu.Lock()
	registered := len(a.callbacks)
	a.cbMu.Unlock()

	a.histMu.Lock()
	historySize := len(a.history)
	a.histMu.Unlock()

	return models.AgentStatus{
		State:               stateName(a.state.Load()),
		Detectors:           names,
		CyclesCompleted:     a.cyclesCompleted.Load(),
		ScanFailures:        a.scanFailures.Load(),
		CallbackFailures:    a.callbackFailures.Load(),
		CallbacksRegistered: registered,
		HistorySize:         historySize,
	}
}

func stateName(s int32) string {
	switch s {
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "idle"
	}
}
