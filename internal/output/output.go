// Package output serializes detection results for external reporting.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
)

// Writer renders each cycle's results to w in the configured format
// ("json" or "text").
type Writer struct {
	w      io.Writer
	format string
}

// NewWriter creates a result writer. Unrecognized formats render as json.
func NewWriter(w io.Writer, format string) *Writer {
	return &Writer{w: w, format: format}
}

// Write renders one cycle's aggregated results. Empty cycles produce no
// output in text mode and an empty JSON array in json mode.
func (o *Writer) Write(results []models.DetectionResult) error {
	if o.format == "text" {
		return o.writeText(results)
	}
	return o.writeJSON(results)
}

func (o *Writer) writeJSON(results []models.DetectionResult) error {
	if results == nil {
		results = []models.DetectionResult{}
	}
	enc := json.NewEncoder(o.w)
	return enc.Encode(results)
}

func (o *Writer) writeText(results []models.DetectionResult) error {
	for _, r := range results {
		_, err := fmt.Fprintf(o.w, "%s %s %s %s\n",
			r.Timestamp.Format(time.RFC3339), r.DetectorName, r.EventType, r.Subject)
		if err != nil {
			return err
		}
	}
	return nil
}
