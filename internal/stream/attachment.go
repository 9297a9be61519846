package stream

import (
	"sync"
	"time"
)

type attachMode int

const (
	modeAttaching attachMode = iota
	modeLive
)

// Attachment is the per-(connection, terminal) subscription record. Exactly
// one exists per pair. Its mutable fields are guarded by mu, which is a leaf
// lock: it is taken under the per-terminal lock but never the other way
// around.
type Attachment struct {
	conn       ClientConnection
	terminalID string
	queue      *ClientOutputQueue

	mu      sync.Mutex
	mode    attachMode
	lastSeq int64 // greatest seqEnd (or gap toSeq) already delivered
	staging []Frame

	// epoch increments on every handshake restart. A flush tick captures it
	// at start and aborts if it changed, so an in-flight tick from before a
	// reattach can never deliver after the new attach.ready.
	epoch uint64

	flushTimer *time.Timer
	// flushing is true while a flush tick is between its first and last send.
	// At most one tick runs per attachment; scheduling during a tick is
	// deferred to the tick's own completion check.
	flushing bool

	// Backpressure bookkeeping. catastrophicSince is zero while healthy;
	// once catastrophicClosed is set the attachment will only be detached.
	catastrophicSince  time.Time
	catastrophicClosed bool

	detached bool
}

func newAttachment(conn ClientConnection, terminalID string, queueMaxBytes int) *Attachment {
	return &Attachment{
		conn:       conn,
		terminalID: terminalID,
		queue:      NewClientOutputQueue(queueMaxBytes),
		mode:       modeAttaching,
	}
}

// LastSeq returns the greatest sequence number delivered to this attachment.
func (a *Attachment) LastSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// markDetached flips the terminal flag and cancels any outstanding flush
// timer. Idempotent.
func (a *Attachment) markDetached() {
	a.mu.Lock()
	a.detached = true
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	a.mu.Unlock()
}
