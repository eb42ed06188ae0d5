package detector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/config"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
)

type procMeta struct {
	Name       string
	CreateTime int64 // unix milliseconds, as reported by the OS
}

// processState maps pid -> last observed identity.
type processState map[int32]procMeta

// ProcessDetector reports processes that started or exited since the
// previous scan. Process identity is (pid, start_time): a pid the OS reused
// for a different process between scans is reported as removed then created,
// never modified.
type ProcessDetector struct {
	// list enumerates the current process table; swapped out in tests.
	list func(ctx context.Context) (processState, error)
}

// NewProcessDetector creates a detector over the live process table.
func NewProcessDetector() *ProcessDetector {
	return &ProcessDetector{list: listProcesses}
}

func (d *ProcessDetector) Name() string { return config.DetectorProcess }

func (d *ProcessDetector) Scan(ctx context.Context, previous State) ([]models.DetectionResult, State, error) {
	prev, _ := previous.(processState)

	current, err := d.list(ctx)
	if err != nil {
		return nil, nil, &ScanFailure{DetectorName: d.Name(), Err: err}
	}

	results := d.diff(prev, current)
	return results, current, nil
}

// diff walks the pid union in ascending order. A pid present on both sides
// with a different start time (or name) is a reused pid: its old identity is
// emitted as removed immediately followed by the new identity as created.
func (d *ProcessDetector) diff(prev, current processState) []models.DetectionResult {
	pidSet := make(map[int32]bool, len(prev)+len(current))
	for pid := range prev {
		pidSet[pid] = true
	}
	for pid := range current {
		pidSet[pid] = true
	}
	pids := make([]int32, 0, len(pidSet))
	for pid := range pidSet {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	var results []models.DetectionResult
	for _, pid := range pids {
		before, wasRunning := prev[pid]
		now, isRunning := current[pid]
		switch {
		case wasRunning && isRunning:
			if before != now {
				results = append(results,
					models.NewDetectionResult(d.Name(), models.EventRemoved, procSubject(pid, before), procDetails(pid, before)),
					models.NewDetectionResult(d.Name(), models.EventCreated, procSubject(pid, now), procDetails(pid, now)),
				)
			}
		case isRunning:
			results = append(results, models.NewDetectionResult(d.Name(), models.EventCreated, procSubject(pid, now), procDetails(pid, now)))
		default:
			results = append(results, models.NewDetectionResult(d.Name(), models.EventRemoved, procSubject(pid, before), procDetails(pid, before)))
		}
	}
	return results
}

func procSubject(pid int32, meta procMeta) string {
	return fmt.Sprintf("%d:%s", pid, meta.Name)
}

func procDetails(pid int32, meta procMeta) map[string]string {
	return map[string]string{
		"pid":        strconv.FormatInt(int64(pid), 10),
		"name":       meta.Name,
		"start_time": time.UnixMilli(meta.CreateTime).UTC().Format(time.RFC3339),
	}
}

// listProcesses enumerates the live process table via gopsutil. Processes
// that exit between enumeration and inspection are skipped; they show up as
// removed on the next scan if a prior scan recorded them.
func listProcesses(ctx context.Context) (processState, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	state := make(processState, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		state[p.Pid] = procMeta{Name: name, CreateTime: created}
	}
	return state, nil
}
