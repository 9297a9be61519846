package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor periodically samples process CPU and memory via gopsutil and
// exports them as gauges. Sampling failures are logged and skipped; the
// monitor never takes the server down.
type SystemMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process
}

func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	m := &SystemMonitor{
		logger:   logger.With().Str("component", "system-monitor").Logger(),
		interval: interval,
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Process handle unavailable, CPU/RSS sampling disabled")
	} else {
		m.proc = proc
	}
	return m
}

// Start samples on the configured interval until ctx is cancelled.
func (m *SystemMonitor) Start(ctx context.Context) {
	go func() {
		defer RecoverPanic(m.logger, "systemMonitor", nil)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *SystemMonitor) sample() {
	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	if m.proc == nil {
		return
	}
	if cpu, err := m.proc.CPUPercent(); err == nil {
		cpuUsagePercent.Set(cpu)
	}
	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		memoryRSSBytes.Set(float64(mem.RSS))
	}

	m.logger.Debug().
		Int("goroutines", runtime.NumGoroutine()).
		Msg("System sample")
}
