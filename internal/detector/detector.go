// Package detector defines the pluggable scanner capability and the built-in
// filesystem and process detectors. A detector diffs the current host state
// against the previous snapshot it is handed and reports the delta; it owns
// the shape of its snapshot but never stores it itself.
package detector

import (
	"context"
	"fmt"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
)

// State is a detector-owned snapshot of the previously observed resource
// set. It is opaque to everything except the detector that produced it.
type State any

// Detector scans one resource domain and reports changes since previous.
//
// Scan must be pure with respect to its inputs: the same previous state and
// the same underlying host state produce the same results, and previous is
// never mutated in place (a new State is returned). ctx is observed at
// natural checkpoints so a long scan can be cancelled between entries.
type Detector interface {
	Name() string
	Scan(ctx context.Context, previous State) ([]models.DetectionResult, State, error)
}

// ScanFailure reports a detector that could not complete its scan. It is
// isolated per detector per cycle and never aborts the cycle or the agent.
type ScanFailure struct {
	DetectorName string
	Err          error
}

func (f *ScanFailure) Error() string {
	return fmt.Sprintf("detector %s: scan failed: %v", f.DetectorName, f.Err)
}

func (f *ScanFailure) Unwrap() error { return f.Err }
