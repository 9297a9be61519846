package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/termstream/internal/limits"
	"github.com/adred-codev/termstream/internal/monitoring"
	"github.com/adred-codev/termstream/internal/stream"
	"github.com/adred-codev/termstream/internal/terminal"
	"github.com/adred-codev/termstream/internal/transport"
)

// ServerConfig is the wiring-level configuration assembled from Config in
// main.
type ServerConfig struct {
	Addr string

	// NATS terminal source. Empty URL disables the bridge.
	NATSUrl       string
	SubjectPrefix string

	MaxConnections int

	// Connection rate limiting
	ConnRateIPBurst      int
	ConnRateIPPerSec     float64
	ConnRateGlobalBurst  int
	ConnRateGlobalPerSec float64

	// Monitoring intervals
	MetricsInterval time.Duration

	// Connection draining budget during Shutdown
	ShutdownGrace time.Duration

	// Logging configuration
	LogLevel  string
	LogFormat string
}

// Server owns the HTTP listener, the terminal registry, the stream broker,
// and the optional NATS bridge feeding the registry.
type Server struct {
	config   ServerConfig
	logger   zerolog.Logger
	listener net.Listener

	registry   *terminal.LocalRegistry
	broker     *stream.Broker
	natsBridge *terminal.NATSBridge

	// Connection management
	conns          sync.Map // map[string]*transport.Conn
	connCount      int64
	connectionsSem chan struct{}
	rateLimiter    *limits.ConnectionRateLimiter

	sysMonitor *monitoring.SystemMonitor

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
	startTime    time.Time
}

func NewServer(config ServerConfig) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  config.LogLevel,
		Format: config.LogFormat,
	})

	registry := terminal.NewLocalRegistry(logger)
	streamCfg := stream.LoadConfig(logger)
	broker := stream.NewBroker(streamCfg, registry, monitoring.NewStreamEvents(logger), logger)

	s := &Server{
		config:         config,
		logger:         logger,
		registry:       registry,
		broker:         broker,
		connectionsSem: make(chan struct{}, config.MaxConnections),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}

	s.rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     config.ConnRateIPBurst,
		IPRate:      config.ConnRateIPPerSec,
		GlobalBurst: config.ConnRateGlobalBurst,
		GlobalRate:  config.ConnRateGlobalPerSec,
		Logger:      logger,
	})

	s.sysMonitor = monitoring.NewSystemMonitor(config.MetricsInterval, logger)

	if config.NATSUrl != "" {
		bridge, err := terminal.NewNATSBridge(terminal.NATSBridgeConfig{
			URL:           config.NATSUrl,
			SubjectPrefix: config.SubjectPrefix,
		}, registry, logger)
		if err != nil {
			cancel()
			s.rateLimiter.Stop()
			return nil, fmt.Errorf("failed to create NATS bridge: %w", err)
		}
		s.natsBridge = bridge
	}

	logger.Info().
		Str("addr", config.Addr).
		Int("max_connections", config.MaxConnections).
		Int("replay_ring_max_bytes", streamCfg.ReplayRingMaxBytes).
		Int("client_queue_max_bytes", streamCfg.ClientQueueMaxBytes).
		Int("batch_max_bytes", streamCfg.BatchMaxBytes).
		Bool("nats_enabled", s.natsBridge != nil).
		Msg("Server initialized")

	return s, nil
}

// Registry exposes the terminal registry so embedders (and tests) can publish
// output without NATS.
func (s *Server) Registry() *terminal.LocalRegistry { return s.registry }

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", s.config.Addr).
		Msg("Server listening")

	if s.natsBridge != nil {
		if err := s.natsBridge.Start(); err != nil {
			return fmt.Errorf("failed to start NATS bridge: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	server := &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	s.sysMonitor.Start(s.ctx)

	s.wg.Add(1)
	go s.updateStreamGauges()

	return nil
}

// updateStreamGauges exports broker terminal/attachment counts on the metrics
// interval.
func (s *Server) updateStreamGauges() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "updateStreamGauges", nil)

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			terminals, attachments := s.broker.Counts()
			monitoring.SetTerminalsActive(terminals)
			monitoring.SetAttachmentsActive(attachments)
		case <-s.ctx.Done():
			return
		}
	}
}

// handleHealth reports liveness plus the counters a load balancer cares
// about. Capacity saturation degrades the status but keeps it 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	currentConns := atomic.LoadInt64(&s.connCount)
	maxConns := int64(s.config.MaxConnections)
	capacityPercent := float64(currentConns) / float64(maxConns) * 100

	status := "healthy"
	warnings := []string{}
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "shutting_down"
	} else if capacityPercent >= 100 {
		status = "degraded"
		warnings = append(warnings, fmt.Sprintf("Server at full capacity (%d/%d)", currentConns, maxConns))
	} else if capacityPercent > 90 {
		status = "degraded"
		warnings = append(warnings, fmt.Sprintf("Server near capacity (%.1f%%)", capacityPercent))
	}

	natsStatus := "disabled"
	if s.natsBridge != nil {
		natsStatus = "running"
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": map[string]any{
			"capacity": map[string]any{
				"current":    currentConns,
				"max":        maxConns,
				"percentage": capacityPercent,
			},
			"nats": map[string]any{
				"status": natsStatus,
			},
		},
		"warnings": warnings,
		"uptime":   time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.logger.Info().Msg("Closing listener (no new connections accepted)")
		s.listener.Close()
	}

	if s.natsBridge != nil {
		s.logger.Info().Msg("Stopping NATS bridge (no new terminal output)")
		s.natsBridge.Stop()
	}

	// Let attached clients receive whatever is already queued before the
	// close frame goes out.
	currentConns := atomic.LoadInt64(&s.connCount)
	s.logger.Info().
		Int64("active_connections", currentConns).
		Dur("grace_period", s.config.ShutdownGrace).
		Msg("Draining active connections")

	drainTimer := time.NewTimer(s.config.ShutdownGrace)
	checkTicker := time.NewTicker(100 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.connCount)
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_connections", remaining).
					Msg("Grace period expired, closing remaining connections")
			}
			break drain
		case <-checkTicker.C:
			if atomic.LoadInt64(&s.connCount) == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
		}
	}

	s.conns.Range(func(key, value any) bool {
		if conn, ok := value.(*transport.Conn); ok {
			conn.Close(stream.CloseServerShutdown, "Server shutting down")
		}
		return true
	})

	s.broker.Close()
	s.rateLimiter.Stop()
	s.cancel()
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
