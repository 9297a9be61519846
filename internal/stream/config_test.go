package stream

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(zerolog.Nop())

	assert.Equal(t, 256*1024, cfg.ReplayRingMaxBytes)
	assert.Equal(t, 128*1024, cfg.ClientQueueMaxBytes)
	assert.Equal(t, 64*1024, cfg.BatchMaxBytes)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryFlushDelay)
	assert.Equal(t, 16*1024*1024, cfg.CatastrophicBufferedBytes)
	assert.Equal(t, 10*time.Second, cfg.CatastrophicStall)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TERM_REPLAY_RING_MAX_BYTES", "4096")
	t.Setenv("TERM_CLIENT_QUEUE_MAX_BYTES", "2048")
	t.Setenv("TERM_STREAM_BATCH_MAX_BYTES", "8192")
	t.Setenv("TERM_RETRY_FLUSH_DELAY", "10ms")
	t.Setenv("TERM_CATASTROPHIC_BUFFERED_BYTES", "65536")
	t.Setenv("TERM_CATASTROPHIC_STALL", "3s")

	cfg := LoadConfig(zerolog.Nop())

	assert.Equal(t, 4096, cfg.ReplayRingMaxBytes)
	assert.Equal(t, 2048, cfg.ClientQueueMaxBytes)
	assert.Equal(t, 8192, cfg.BatchMaxBytes)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryFlushDelay)
	assert.Equal(t, 65536, cfg.CatastrophicBufferedBytes)
	assert.Equal(t, 3*time.Second, cfg.CatastrophicStall)
}

func TestLoadConfigClampsBelowMinimum(t *testing.T) {
	t.Setenv("TERM_REPLAY_RING_MAX_BYTES", "0")
	t.Setenv("TERM_CLIENT_QUEUE_MAX_BYTES", "-5")
	t.Setenv("TERM_STREAM_BATCH_MAX_BYTES", "10")
	t.Setenv("TERM_RETRY_FLUSH_DELAY", "0s")
	t.Setenv("TERM_CATASTROPHIC_BUFFERED_BYTES", "1")
	t.Setenv("TERM_CATASTROPHIC_STALL", "0s")

	cfg := LoadConfig(zerolog.Nop())

	assert.Equal(t, 1, cfg.ReplayRingMaxBytes)
	assert.Equal(t, 1, cfg.ClientQueueMaxBytes)
	assert.Equal(t, 1024, cfg.BatchMaxBytes)
	assert.Equal(t, time.Millisecond, cfg.RetryFlushDelay)
	assert.Equal(t, 1024, cfg.CatastrophicBufferedBytes)
	assert.Equal(t, time.Millisecond, cfg.CatastrophicStall)
}

func TestLoadConfigMalformedValueFallsBackAlone(t *testing.T) {
	t.Setenv("TERM_REPLAY_RING_MAX_BYTES", "not-a-number")
	t.Setenv("TERM_CLIENT_QUEUE_MAX_BYTES", "2048")
	t.Setenv("TERM_CATASTROPHIC_STALL", "bogus")
	t.Setenv("TERM_RETRY_FLUSH_DELAY", "10ms")

	cfg := LoadConfig(zerolog.Nop())

	// Never fatal: the malformed values fall back to their defaults while the
	// valid overrides still apply.
	assert.Equal(t, 256*1024, cfg.ReplayRingMaxBytes)
	assert.Equal(t, 10*time.Second, cfg.CatastrophicStall)
	assert.Equal(t, 2048, cfg.ClientQueueMaxBytes)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryFlushDelay)
}
