package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a detected state change.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// DetectionResult is one reported state-change event. Results are produced
// by detectors and never mutated after creation.
type DetectionResult struct {
	ID           string            `json:"id"`
	DetectorName string            `json:"detector_name"`
	EventType    EventType         `json:"event_type"`
	Subject      string            `json:"subject"`
	Timestamp    time.Time         `json:"timestamp"`
	Details      map[string]string `json:"details,omitempty"`
}

// NewDetectionResult builds a result with a fresh ID and the current time.
func NewDetectionResult(detector string, event EventType, subject string, details map[string]string) DetectionResult {
	return DetectionResult{
		ID:           uuid.New().String(),
		DetectorName: detector,
		EventType:    event,
		Subject:      subject,
		Timestamp:    time.Now().UTC(),
		Details:      details,
	}
}

// AgentStatus is a point-in-time snapshot of the agent, served by the health
// endpoint and returned by Agent.Status.
type AgentStatus struct {
	State               string   `json:"state"`
	Detectors           []string `json:"detectors"`
	CyclesCompleted     uint64   `json:"cycles_completed"`
	ScanFailures        uint64   `json:"scan_failures"`
	CallbackFailures    uint64   `json:"callback_failures"`
	CallbacksRegistered int      `json:"callbacks_registered"`
	HistorySize         int      `json:"history_size"`
}
