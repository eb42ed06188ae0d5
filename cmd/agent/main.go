package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/agent"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/config"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/health"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/logging"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/output"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.GetString(config.KeyLogLevel, "info"))
	defer logger.Sync()

	logger.Infof("HostMonkey agent starting...")
	logger.Infof("  detectors: %v", cfg.GetStrings(config.KeyEnabledDetectors, nil))
	logger.Infof("  interval:  %s", cfg.GetDuration(config.KeyDetectionInterval, 30*time.Second))

	ag, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create agent: %v", err)
	}

	// Report each cycle's results on stdout in the configured format.
	writer := output.NewWriter(os.Stdout, cfg.GetString(config.KeyOutputFormat, "json"))
	ag.AddCallback(func(results []models.DetectionResult) error {
		return writer.Write(results)
	})

	if port := cfg.GetInt(config.KeyHealthPort, 0); port > 0 {
		health.StartServer(port, ag.Status, logger)
	}

	if err := ag.Start(); err != nil {
		logger.Fatalf("Failed to start agent: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Infof("Shutdown signal received...")
	if err := ag.Stop(); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	logger.Infof("Agent stopped successfully")
}
