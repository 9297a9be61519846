// Package transport implements the stream.ClientConnection abstraction on top
// of gobwas/ws.
package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/termstream/internal/monitoring"
	"github.com/adred-codev/termstream/internal/stream"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Send pings with this period to detect dead connections.
	pingPeriod = 27 * time.Second
)

var connSeq int64

// Conn is a WebSocket client connection. Outbound messages are serialized
// once, queued, and written by a dedicated pump goroutine; Send never blocks
// on the peer. The queue is deliberately unbounded: bounding it here would
// hide the backlog the broker's catastrophic backpressure policy keys off.
type Conn struct {
	id     string
	raw    net.Conn
	logger zerolog.Logger

	state int32 // stream.ReadyState

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []outFrame
	buffered int

	pumpOnce sync.Once
	rawOnce  sync.Once
}

type outFrame struct {
	op   ws.OpCode
	data []byte
}

// NewConn wraps an upgraded WebSocket connection. Call Start to begin the
// write pump.
func NewConn(raw net.Conn, logger zerolog.Logger) *Conn {
	id := "c" + strconv.FormatInt(atomic.AddInt64(&connSeq, 1), 10)
	c := &Conn{
		id:     id,
		raw:    raw,
		logger: logger.With().Str("connection_id", id).Logger(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the write pump and the ping ticker.
func (c *Conn) Start() {
	c.pumpOnce.Do(func() {
		go c.writePump()
		go c.pinger()
	})
}

// ID implements stream.ClientConnection.
func (c *Conn) ID() string { return c.id }

// NetConn exposes the underlying connection for the read loop.
func (c *Conn) NetConn() net.Conn { return c.raw }

// Send serialises msg to JSON and queues it for the write pump. Returns false
// when the connection is no longer usable.
func (c *Conn) Send(msg any) bool {
	if c.ReadyState() != stream.StateOpen {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to serialize outbound message")
		return false
	}

	c.mu.Lock()
	c.queue = append(c.queue, outFrame{op: ws.OpText, data: data})
	c.buffered += len(data)
	c.mu.Unlock()
	c.cond.Signal()
	return true
}

// BufferedBytes implements stream.ClientConnection: bytes queued but not yet
// written to the socket.
func (c *Conn) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// ReadyState implements stream.ClientConnection.
func (c *Conn) ReadyState() stream.ReadyState {
	return stream.ReadyState(atomic.LoadInt32(&c.state))
}

// Close sends a close frame with the given application code and tears the
// connection down. Queued frames are dropped: a connection being closed for
// backpressure may have megabytes of backlog, and the close code must reach
// the peer ahead of it. Idempotent; later calls are no-ops.
func (c *Conn) Close(code int, reason string) {
	if !atomic.CompareAndSwapInt32(&c.state, int32(stream.StateOpen), int32(stream.StateClosing)) {
		return
	}

	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	c.mu.Lock()
	c.queue = []outFrame{{op: ws.OpClose, data: body}}
	c.buffered = 0
	c.mu.Unlock()
	c.cond.Signal()
}

// Abort closes the raw connection without a close frame, e.g. after a read
// error when the peer is already gone.
func (c *Conn) Abort() {
	atomic.StoreInt32(&c.state, int32(stream.StateClosed))
	c.cond.Signal()
	c.closeRaw()
}

func (c *Conn) closeRaw() {
	c.rawOnce.Do(func() {
		c.raw.Close()
	})
}

// writePump drains the outbound queue, batching writes through a buffered
// writer to reduce syscalls. It exits after writing a close frame, on a write
// error, or once the connection is aborted.
func (c *Conn) writePump() {
	defer monitoring.RecoverPanic(c.logger, "writePump", nil)
	defer c.closeRaw()

	writer := bufio.NewWriter(c.raw)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.ReadyState() != stream.StateClosed {
			c.cond.Wait()
		}
		if c.ReadyState() == stream.StateClosed {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		c.raw.SetWriteDeadline(time.Now().Add(writeWait))
		for _, f := range batch {
			if err := wsutil.WriteServerMessage(writer, f.op, f.data); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write message")
				atomic.StoreInt32(&c.state, int32(stream.StateClosed))
				return
			}
			if f.op == ws.OpText {
				monitoring.RecordSend(len(f.data))
				c.mu.Lock()
				// Close zeroes buffered while a batch may still be in flight.
				if c.buffered -= len(f.data); c.buffered < 0 {
					c.buffered = 0
				}
				c.mu.Unlock()
			}

			if f.op == ws.OpClose {
				writer.Flush()
				atomic.StoreInt32(&c.state, int32(stream.StateClosed))
				return
			}
		}
		if err := writer.Flush(); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to flush writer")
			atomic.StoreInt32(&c.state, int32(stream.StateClosed))
			return
		}
	}
}

// pinger queues a ping on every period so dead peers are detected by the
// write deadline.
func (c *Conn) pinger() {
	defer monitoring.RecoverPanic(c.logger, "pinger", nil)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if c.ReadyState() != stream.StateOpen {
			return
		}
		c.mu.Lock()
		c.queue = append(c.queue, outFrame{op: ws.OpPing})
		c.mu.Unlock()
		c.cond.Signal()
	}
}
