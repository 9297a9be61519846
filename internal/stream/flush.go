package stream

import (
	"time"

	"github.com/rs/zerolog"
)

// scheduleFlush arms a one-shot flush for the attachment. At most one timer is
// outstanding per attachment, and none is armed while a tick is still running;
// a running tick reschedules itself if work remains when it completes, so a
// skipped schedule is never a lost wakeup.
func (b *Broker) scheduleFlush(att *Attachment, delay time.Duration) {
	att.mu.Lock()
	if att.detached || att.flushTimer != nil || att.flushing {
		att.mu.Unlock()
		return
	}
	att.flushTimer = time.AfterFunc(delay, func() {
		b.flush(att)
	})
	att.mu.Unlock()
}

// flush is one delivery tick for a single attachment. It holds no broker-wide
// or per-terminal locks, so a slow client only ever stalls itself. Ticks are
// mutually exclusive per attachment via the flushing flag, and every send
// happens under the attachment mutex with an epoch check, so a tick in flight
// cannot interleave with a second tick or with a reattach handshake.
func (b *Broker) flush(att *Attachment) {
	att.mu.Lock()
	att.flushTimer = nil
	if att.detached || att.flushing || att.mode != modeLive {
		att.mu.Unlock()
		return
	}
	att.flushing = true
	epoch := att.epoch
	conn := att.conn
	att.mu.Unlock()

	if conn.ReadyState() != StateOpen {
		b.endFlush(att)
		b.Detach(att.terminalID, conn)
		return
	}

	if b.checkBackpressure(att) == backpressureBlocked {
		att.mu.Lock()
		fatal := att.catastrophicClosed
		att.mu.Unlock()
		b.endFlush(att)
		if fatal {
			b.Detach(att.terminalID, conn)
			return
		}
		if att.queue.HasPending() {
			b.scheduleFlush(att, b.cfg.RetryFlushDelay)
		}
		return
	}

	if pending := att.queue.PendingBytes(); pending > b.cfg.BatchMaxBytes {
		b.sink.Record(EventQueuePressure, zerolog.WarnLevel, map[string]any{
			"terminalId":    att.terminalID,
			"connectionId":  conn.ID(),
			"pendingBytes":  pending,
			"batchMaxBytes": b.cfg.BatchMaxBytes,
		})
	}

	for _, item := range att.queue.NextBatch(b.cfg.BatchMaxBytes) {
		att.mu.Lock()
		if att.detached || att.epoch != epoch {
			// Detached, or a reattach superseded this tick. Whatever the
			// batch still held is covered by the new handshake's replay.
			att.mu.Unlock()
			b.endFlush(att)
			return
		}
		var ok bool
		switch {
		case item.Gap != nil:
			ok = b.sendGapLocked(att, *item.Gap)
		case item.Frame != nil:
			ok = b.sendFrameLocked(att, *item.Frame)
		default:
			ok = true
		}
		att.mu.Unlock()
		if !ok {
			b.endFlush(att)
			b.Detach(att.terminalID, conn)
			return
		}
	}

	b.endFlush(att)
	if att.queue.HasPending() {
		b.scheduleFlush(att, 0)
	}
}

// endFlush marks the tick finished so the next one can arm.
func (b *Broker) endFlush(att *Attachment) {
	att.mu.Lock()
	att.flushing = false
	att.mu.Unlock()
}

type backpressureState int

const (
	backpressureHealthy backpressureState = iota
	backpressureBlocked
)

// checkBackpressure applies the catastrophic policy. A backlog above the
// threshold arms a timer; only a backlog that stays above it for the whole
// stall window closes the connection. Transient spikes in socket buffers must
// not trigger false closes, but a single stuck client must not grow broker
// memory without bound either.
func (b *Broker) checkBackpressure(att *Attachment) backpressureState {
	buffered := att.conn.BufferedBytes()

	att.mu.Lock()
	defer att.mu.Unlock()

	if buffered <= b.cfg.CatastrophicBufferedBytes {
		att.catastrophicSince = time.Time{}
		return backpressureHealthy
	}

	now := b.now()
	if att.catastrophicSince.IsZero() {
		att.catastrophicSince = now
		return backpressureBlocked
	}
	if now.Sub(att.catastrophicSince) < b.cfg.CatastrophicStall {
		return backpressureBlocked
	}

	att.catastrophicClosed = true
	b.sink.Record(EventCatastrophicClose, zerolog.WarnLevel, map[string]any{
		"terminalId":    att.terminalID,
		"connectionId":  att.conn.ID(),
		"bufferedBytes": buffered,
		"stalledFor":    now.Sub(att.catastrophicSince).String(),
	})
	b.logger.Warn().
		Str("terminal_id", att.terminalID).
		Str("connection_id", att.conn.ID()).
		Int("buffered_bytes", buffered).
		Msg("Catastrophic backpressure, closing connection")
	att.conn.Close(CloseCatastrophicBackpressure, "Catastrophic backpressure")
	return backpressureBlocked
}
