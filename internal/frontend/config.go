package frontend

import "time"

// Config collects every server-level tunable the Frontend and the
// subsystems it wires together need at construction time.
type Config struct {
	MaxConnections           int
	RequestTimeout           time.Duration
	MaxBatchSize             int
	MaxBatchWait             time.Duration
	RateLimitPerMinute       int
	RateLimitIdleEvict       time.Duration
	GracefulShutdownTimeout  time.Duration
	StreamBufferSize         int
	StreamIdleTimeout        time.Duration
	MetricsWindowSize        int
}

// Defaults returns the out-of-the-box tuning used when a config file leaves
// a field unset.
func Defaults() Config {
	return Config{
		MaxConnections:          256,
		RequestTimeout:          30 * time.Second,
		MaxBatchSize:            32,
		MaxBatchWait:            50 * time.Millisecond,
		RateLimitPerMinute:      10000,
		RateLimitIdleEvict:      10 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
		StreamBufferSize:        100,
		StreamIdleTimeout:       60 * time.Second,
		MetricsWindowSize:       1000,
	}
}
