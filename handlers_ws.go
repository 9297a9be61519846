package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/termstream/internal/monitoring"
	"github.com/adred-codev/termstream/internal/stream"
	"github.com/adred-codev/termstream/internal/transport"
)

// Time allowed to read the next message from the peer before the connection
// is considered dead. Must exceed the transport ping period.
const pongWait = 30 * time.Second

// controlMessage is the envelope for everything a client sends us.
type controlMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	SinceSeq   int64  `json:"sinceSeq"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.rateLimiter.CheckConnectionAllowed(ip) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.RecordConnectionRejected("upgrade_failed")
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("Failed to upgrade connection")
		return
	}

	// Non-blocking slot acquire; a full semaphore means the server is at its
	// connection cap right now. The close frame carries the admission code so
	// clients can distinguish capacity from transport failure.
	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.RecordConnectionRejected("capacity")
		s.logger.Debug().
			Int64("current_connections", atomic.LoadInt64(&s.connCount)).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected: server at capacity")
		body := ws.NewCloseFrameBody(ws.StatusCode(stream.CloseAdmissionLimit), "Server at capacity")
		ws.WriteFrame(raw, ws.NewCloseFrame(body))
		raw.Close()
		return
	}

	conn := transport.NewConn(raw, s.logger)
	conn.Start()

	s.conns.Store(conn.ID(), conn)
	atomic.AddInt64(&s.connCount, 1)
	monitoring.RecordConnectionOpened()

	s.logger.Info().
		Str("connection_id", conn.ID()).
		Str("remote_addr", r.RemoteAddr).
		Msg("Client connected")

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop consumes control messages until the client goes away, then reaps
// every attachment the connection held.
func (s *Server) readLoop(conn *transport.Conn) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "readLoop", map[string]any{"connection_id": conn.ID()})
	defer s.disconnectClient(conn)

	raw := conn.NetConn()
	raw.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(raw)
		if err != nil {
			return
		}
		raw.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.handleControlMessage(conn, msg)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) handleControlMessage(conn *transport.Conn, data []byte) {
	var req controlMessage
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn().
			Str("connection_id", conn.ID()).
			Err(err).
			Msg("Client sent invalid JSON")
		return
	}

	switch req.Type {
	case "terminal.attach":
		if req.TerminalID == "" {
			s.sendAttachError(conn, req.TerminalID, "terminalId is required")
			return
		}
		if !s.broker.Attach(conn, req.TerminalID, req.SinceSeq) {
			s.sendAttachError(conn, req.TerminalID, "terminal not available")
		}

	case "terminal.detach":
		s.broker.Detach(req.TerminalID, conn)

	case "ping":
		conn.Send(map[string]any{
			"type": "pong",
			"ts":   time.Now().UnixMilli(),
		})

	default:
		s.logger.Warn().
			Str("connection_id", conn.ID()).
			Str("message_type", req.Type).
			Msg("Client sent unknown message type")
	}
}

func (s *Server) sendAttachError(conn *transport.Conn, terminalID, reason string) {
	conn.Send(map[string]any{
		"type":       "terminal.attach.error",
		"terminalId": terminalID,
		"reason":     reason,
	})
}

// disconnectClient centralizes connection teardown so metrics and broker
// state stay consistent no matter how the connection died.
func (s *Server) disconnectClient(conn *transport.Conn) {
	if _, loaded := s.conns.LoadAndDelete(conn.ID()); !loaded {
		return
	}

	s.broker.DetachAllForConn(conn)
	conn.Abort()

	atomic.AddInt64(&s.connCount, -1)
	monitoring.RecordConnectionClosed()
	<-s.connectionsSem

	s.logger.Info().
		Str("connection_id", conn.ID()).
		Msg("Client disconnected")
}
