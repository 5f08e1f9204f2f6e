package monitor

import "time"

// Config defines the runtime configuration for the local monitor server.
type Config struct {
	Addr           string
	JPEGQuality    int
	StatusInterval time.Duration
	EnableMetrics  bool
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8090",
		JPEGQuality:    80,
		StatusInterval: 2 * time.Second,
		EnableMetrics:  true,
	}
}
