// Package health serves a local introspection endpoint for the agent.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
)

// StatusFunc supplies the current agent status for the /status endpoint.
type StatusFunc func() models.AgentStatus

type healthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     int64  `json:"timestamp"`
}

// StartServer serves /health and /status on the given port in a background
// goroutine. Serves local introspection only; it never reports detections
// anywhere.
func StartServer(port int, status StatusFunc, log *zap.SugaredLogger) {
	startTime := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, healthResponse{
			Status:        "healthy",
			Service:       "hostmonkey-agent",
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Timestamp:     time.Now().Unix(),
		})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status())
	})

	log.Infof("health endpoint listening on :%d", port)

	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			log.Errorf("health server failed: %v", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
