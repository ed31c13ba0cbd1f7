package config

import (
	"os"
	"strconv"
	"time"
)

// Timeouts holds the global timeout defaults for remote operations.
// Per-pair overrides in the config file take precedence where present.
type Timeouts struct {
	Drain         time.Duration // node drain (cordon + evictions)
	Migrate       time.Duration // all guest migrations within one pair
	HostShutdown  time.Duration // host observed leaving the cluster after a power command
	HostRejoin    time.Duration // hypervisor rejoining its cluster after restart
	HealthQuery   time.Duration // single health backend query
	RetryAttempts int           // default retry attempts for transient errors
	RetryDelay    time.Duration // initial delay between retries
}

// LoadTimeouts loads timeout configuration from environment variables. If a
// variable is not set or invalid, the default is used.
//
// Environment Variables:
//   - ROLLMAINT_TIMEOUT_DRAIN (default: 10m)
//   - ROLLMAINT_TIMEOUT_MIGRATE (default: 20m)
//   - ROLLMAINT_TIMEOUT_HOST_SHUTDOWN (default: 5m)
//   - ROLLMAINT_TIMEOUT_HOST_REJOIN (default: 15m)
//   - ROLLMAINT_TIMEOUT_HEALTH_QUERY (default: 30s)
//   - ROLLMAINT_RETRY_MAX_ATTEMPTS (default: 4)
//   - ROLLMAINT_RETRY_INITIAL_DELAY (default: 2s)
func LoadTimeouts() *Timeouts {
	return &Timeouts{
		Drain:         parseDuration("ROLLMAINT_TIMEOUT_DRAIN", 10*time.Minute),
		Migrate:       parseDuration("ROLLMAINT_TIMEOUT_MIGRATE", 20*time.Minute),
		HostShutdown:  parseDuration("ROLLMAINT_TIMEOUT_HOST_SHUTDOWN", 5*time.Minute),
		HostRejoin:    parseDuration("ROLLMAINT_TIMEOUT_HOST_REJOIN", 15*time.Minute),
		HealthQuery:   parseDuration("ROLLMAINT_TIMEOUT_HEALTH_QUERY", 30*time.Second),
		RetryAttempts: parseInt("ROLLMAINT_RETRY_MAX_ATTEMPTS", 4),
		RetryDelay:    parseDuration("ROLLMAINT_RETRY_INITIAL_DELAY", 2*time.Second),
	}
}

// parseDuration parses a duration from an environment variable.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return d
}

// parseInt parses an integer from an environment variable.
func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return i
}
