// Package config holds the agent's typed option store. Every option has a
// built-in default and a validator; mutation goes through Set so invalid
// values never reach a detection cycle.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Recognized option keys.
const (
	KeyDetectionInterval = "detection_interval"
	KeyMaxThreads        = "max_threads"
	KeyLogLevel          = "log_level"
	KeyOutputFormat      = "output_format"
	KeyEnabledDetectors  = "enabled_detectors"
	KeyWatchPaths        = "watch_paths"
	KeyHealthPort        = "health_port"
)

// Detector names accepted in enabled_detectors.
const (
	DetectorFileSystem = "filesystem"
	DetectorProcess    = "process"
)

// ErrInvalidOption is returned by Set when a key is unknown or a value fails
// its option's validator. The store is left unchanged.
var ErrInvalidOption = errors.New("invalid option")

type option struct {
	def      any
	validate func(value any) error
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var outputFormats = map[string]bool{"json": true, "text": true}
var knownDetectors = map[string]bool{DetectorFileSystem: true, DetectorProcess: true}

var options = map[string]option{
	KeyDetectionInterval: {
		def: 30 * time.Second,
		validate: func(v any) error {
			d, ok := v.(time.Duration)
			if !ok {
				return fmt.Errorf("expected duration, got %T", v)
			}
			if d <= 0 {
				return fmt.Errorf("must be positive, got %s", d)
			}
			return nil
		},
	},
	KeyMaxThreads: {
		def: 4,
		validate: func(v any) error {
			n, ok := v.(int)
			if !ok {
				return fmt.Errorf("expected int, got %T", v)
			}
			if n <= 0 {
				return fmt.Errorf("must be positive, got %d", n)
			}
			return nil
		},
	},
	KeyLogLevel: {
		def: "info",
		validate: func(v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", v)
			}
			if !logLevels[s] {
				return fmt.Errorf("unknown log level %q", s)
			}
			return nil
		},
	},
	KeyOutputFormat: {
		def: "json",
		validate: func(v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", v)
			}
			if !outputFormats[s] {
				return fmt.Errorf("unknown output format %q", s)
			}
			return nil
		},
	},
	KeyEnabledDetectors: {
		def: []string{DetectorFileSystem, DetectorProcess},
		validate: func(v any) error {
			names, ok := v.([]string)
			if !ok {
				return fmt.Errorf("expected string list, got %T", v)
			}
			if len(names) == 0 {
				return errors.New("must not be empty")
			}
			for _, name := range names {
				if !knownDetectors[name] {
					return fmt.Errorf("unknown detector %q", name)
				}
			}
			return nil
		},
	},
	KeyWatchPaths: {
		def: []string{"."},
		validate: func(v any) error {
			paths, ok := v.([]string)
			if !ok {
				return fmt.Errorf("expected string list, got %T", v)
			}
			if len(paths) == 0 {
				return errors.New("must not be empty")
			}
			for _, p := range paths {
				if strings.TrimSpace(p) == "" {
					return errors.New("contains empty path")
				}
			}
			return nil
		},
	},
	KeyHealthPort: {
		def: 0,
		validate: func(v any) error {
			n, ok := v.(int)
			if !ok {
				return fmt.Errorf("expected int, got %T", v)
			}
			if n < 0 || n > 65535 {
				return fmt.Errorf("port out of range: %d", n)
			}
			return nil
		},
	},
}

// Config is a goroutine-safe option store. The zero value is not usable;
// construct via New or FromEnv.
type Config struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns a Config populated with the built-in defaults.
func New() *Config {
	values := make(map[string]any, len(options))
	for key, opt := range options {
		values[key] = opt.def
	}
	return &Config{values: values}
}

// FromEnv builds a Config from the environment. A .env file is loaded first
// when present (current directory, then parent, then /app for containers);
// plain environment variables win when no file is found. Every value passes
// through Set, so env input gets the same validation as programmatic input.
func FromEnv() (*Config, error) {
	for _, path := range []string{".env", "../.env", "/app/.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg := New()

	if v := os.Getenv("DETECTION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DETECTION_INTERVAL: %w", err)
		}
		if err := cfg.Set(KeyDetectionInterval, d); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("MAX_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_THREADS: %w", err)
		}
		if err := cfg.Set(KeyMaxThreads, n); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.Set(KeyLogLevel, strings.ToLower(v)); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("OUTPUT_FORMAT"); v != "" {
		if err := cfg.Set(KeyOutputFormat, strings.ToLower(v)); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("ENABLED_DETECTORS"); v != "" {
		if err := cfg.Set(KeyEnabledDetectors, splitList(v)); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("WATCH_PATHS"); v != "" {
		if err := cfg.Set(KeyWatchPaths, splitList(v)); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("HEALTH_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEALTH_PORT: %w", err)
		}
		if err := cfg.Set(KeyHealthPort, n); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Set validates value against the option's validator and stores it.
// Unknown keys and failed validation return an error wrapping
// ErrInvalidOption; the stored value is unchanged either way.
func (c *Config) Set(key string, value any) error {
	opt, ok := options[key]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidOption, key)
	}
	if err := opt.validate(value); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidOption, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if names, ok := value.([]string); ok {
		value = dedupe(names)
	}
	c.values[key] = value
	return nil
}

// Get returns the stored value for key, or fallback when the key is unset.
// It never fails.
func (c *Config) Get(key string, fallback any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[key]; ok {
		return v
	}
	return fallback
}

// GetDuration returns the option as a duration, or fallback on type mismatch.
func (c *Config) GetDuration(key string, fallback time.Duration) time.Duration {
	if d, ok := c.Get(key, fallback).(time.Duration); ok {
		return d
	}
	return fallback
}

// GetInt returns the option as an int, or fallback on type mismatch.
func (c *Config) GetInt(key string, fallback int) int {
	if n, ok := c.Get(key, fallback).(int); ok {
		return n
	}
	return fallback
}

// GetString returns the option as a string, or fallback on type mismatch.
func (c *Config) GetString(key string, fallback string) string {
	if s, ok := c.Get(key, fallback).(string); ok {
		return s
	}
	return fallback
}

// GetStrings returns the option as a string list, or fallback on type
// mismatch. The returned slice is a copy.
func (c *Config) GetStrings(key string, fallback []string) []string {
	if list, ok := c.Get(key, fallback).([]string); ok {
		out := make([]string, len(list))
		copy(out, list)
		return out
	}
	return fallback
}

// All returns a copy of every stored option, keyed by option name.
func (c *Config) All() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// dedupe keeps the first occurrence of each entry, preserving order.
// Option lists are sets; order still matters for detector registration.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
