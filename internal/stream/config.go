package stream

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Config holds the streaming caps. All values are read once at broker
// construction; environment overrides below the minimum are clamped, and a
// malformed override falls back to that value's default without disturbing
// the rest. Misconfiguration is never fatal.
type Config struct {
	// Per-terminal replay ring budget.
	ReplayRingMaxBytes int `env:"TERM_REPLAY_RING_MAX_BYTES" envDefault:"262144"`
	// Per-attachment client queue budget.
	ClientQueueMaxBytes int `env:"TERM_CLIENT_QUEUE_MAX_BYTES" envDefault:"131072"`
	// NextBatch budget per flush tick.
	BatchMaxBytes int `env:"TERM_STREAM_BATCH_MAX_BYTES" envDefault:"65536"`
	// Deferred flush delay while a connection is blocked.
	RetryFlushDelay time.Duration `env:"TERM_RETRY_FLUSH_DELAY" envDefault:"50ms"`
	// Outbound backlog that arms the catastrophic backpressure timer.
	CatastrophicBufferedBytes int `env:"TERM_CATASTROPHIC_BUFFERED_BYTES" envDefault:"16777216"`
	// Grace window before a catastrophically backed-up client is closed.
	CatastrophicStall time.Duration `env:"TERM_CATASTROPHIC_STALL" envDefault:"10s"`
}

// Minimum clamps. The batch floor keeps coalescing meaningful; the rest just
// keep the arithmetic sane.
const (
	minReplayRingMaxBytes        = 1
	minClientQueueMaxBytes       = 1
	minBatchMaxBytes             = 1024
	minRetryFlushDelay           = time.Millisecond
	minCatastrophicBufferedBytes = 1024
	minCatastrophicStall         = time.Millisecond
)

// DefaultConfig returns the documented defaults without consulting the
// environment.
func DefaultConfig() Config {
	return Config{
		ReplayRingMaxBytes:        256 * 1024,
		ClientQueueMaxBytes:       128 * 1024,
		BatchMaxBytes:             64 * 1024,
		RetryFlushDelay:           50 * time.Millisecond,
		CatastrophicBufferedBytes: 16 * 1024 * 1024,
		CatastrophicStall:         10 * time.Second,
	}
}

// LoadConfig reads the caps from the environment. The struct starts from the
// defaults, so a field whose variable fails to parse (non-numeric values and
// the like) keeps its default while every other override still applies.
// env.Parse aggregates per-field errors and keeps going, which is exactly the
// per-value fallback wanted here.
func LoadConfig(logger zerolog.Logger) Config {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		logger.Warn().
			Err(err).
			Msg("Ignoring malformed stream configuration values, keeping defaults for those")
	}
	return cfg.Clamped(logger)
}

// Clamped returns a copy with every cap raised to its minimum, logging each
// adjustment.
func (c Config) Clamped(logger zerolog.Logger) Config {
	clampInt := func(name string, v *int, min int) {
		if *v < min {
			logger.Warn().
				Str("option", name).
				Int("value", *v).
				Int("minimum", min).
				Msg("Stream cap below minimum, clamping")
			*v = min
		}
	}
	clampDur := func(name string, v *time.Duration, min time.Duration) {
		if *v < min {
			logger.Warn().
				Str("option", name).
				Dur("value", *v).
				Dur("minimum", min).
				Msg("Stream cap below minimum, clamping")
			*v = min
		}
	}

	clampInt("replay_ring_max_bytes", &c.ReplayRingMaxBytes, minReplayRingMaxBytes)
	clampInt("client_queue_max_bytes", &c.ClientQueueMaxBytes, minClientQueueMaxBytes)
	clampInt("stream_batch_max_bytes", &c.BatchMaxBytes, minBatchMaxBytes)
	clampDur("retry_flush_delay", &c.RetryFlushDelay, minRetryFlushDelay)
	clampInt("catastrophic_buffered_bytes", &c.CatastrophicBufferedBytes, minCatastrophicBufferedBytes)
	clampDur("catastrophic_stall", &c.CatastrophicStall, minCatastrophicStall)
	return c
}
