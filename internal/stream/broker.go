package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Broker owns all per-terminal streaming state: it ingests raw output from the
// registry into per-terminal replay rings, fans frames out to per-attachment
// queues, runs the attach handshake, drives the flush loop, and applies the
// backpressure policy.
//
// Locking discipline:
//   - broker.mu guards the terminals map and the connection reverse index. It
//     is a leaf lock relative to terminalState.mu: never take state.mu while
//     holding broker.mu.
//   - terminalState.mu is the per-terminal serialisation key. Ingest, the
//     attach handshake's snapshot phase, and terminal exit are mutually
//     exclusive under it. Handshake sends run outside it, under the attachment
//     mutex only, so ingest keeps flowing and stages frames for the attaching
//     client instead of waiting out the handshake.
//   - The flush loop runs outside the per-terminal lock. It only touches the
//     attachment's own queue (internally synchronized) and its leaf mutex.
//     Every delivery to a connection, whether from a flush tick or from the
//     handshake, happens under the attachment mutex, which is what keeps the
//     delivered sequence strictly increasing per attachment.
type Broker struct {
	cfg    Config
	reg    Registry
	sink   EventSink
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	terminals map[string]*terminalState
	byConn    map[string]map[string]struct{} // connectionID -> terminalIDs
	closed    bool

	unsubscribe func()
}

type terminalState struct {
	id string

	mu          sync.Mutex
	ring        *ReplayRing
	attachments map[string]*Attachment // by connection ID
	exited      bool
}

// NewBroker subscribes to the registry and is ready for attaches immediately.
func NewBroker(cfg Config, reg Registry, sink EventSink, logger zerolog.Logger) *Broker {
	if sink == nil {
		sink = NopSink{}
	}
	b := &Broker{
		cfg:       cfg,
		reg:       reg,
		sink:      sink,
		logger:    logger.With().Str("component", "stream-broker").Logger(),
		now:       time.Now,
		terminals: make(map[string]*terminalState),
		byConn:    make(map[string]map[string]struct{}),
	}
	b.unsubscribe = reg.Subscribe(b)
	return b
}

// getOrCreateState returns the terminal's state, creating it on first
// activity. Returns nil after Close.
func (b *Broker) getOrCreateState(terminalID string) *terminalState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	st := b.terminals[terminalID]
	if st == nil {
		st = &terminalState{
			id:          terminalID,
			ring:        NewReplayRing(b.cfg.ReplayRingMaxBytes),
			attachments: make(map[string]*Attachment),
		}
		b.terminals[terminalID] = st
	}
	return st
}

func (b *Broker) lookupState(terminalID string) *terminalState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminals[terminalID]
}

func (b *Broker) indexConn(connectionID, terminalID string) {
	b.mu.Lock()
	set := b.byConn[connectionID]
	if set == nil {
		set = make(map[string]struct{})
		b.byConn[connectionID] = set
	}
	set[terminalID] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) unindexConn(connectionID, terminalID string) {
	b.mu.Lock()
	if set := b.byConn[connectionID]; set != nil {
		delete(set, terminalID)
		if len(set) == 0 {
			delete(b.byConn, connectionID)
		}
	}
	b.mu.Unlock()
}

// OnTerminalOutput ingests a chunk of raw terminal output: append to the ring,
// then stage or enqueue per attachment. Ingest never waits for a slow client;
// delivery happens in per-attachment flush tasks.
func (b *Broker) OnTerminalOutput(terminalID, data string) {
	st := b.getOrCreateState(terminalID)
	if st == nil {
		return
	}

	st.mu.Lock()
	if st.exited {
		st.mu.Unlock()
		return
	}
	frame := st.ring.Append(data)
	if frame.Bytes < len(data) {
		b.sink.Record(EventRingTruncated, zerolog.WarnLevel, map[string]any{
			"terminalId":   terminalID,
			"seq":          frame.SeqStart,
			"droppedBytes": len(data) - frame.Bytes,
			"ringMaxBytes": b.cfg.ReplayRingMaxBytes,
		})
	}

	var toFlush []*Attachment
	for _, att := range st.attachments {
		att.mu.Lock()
		if att.mode == modeAttaching {
			att.staging = append(att.staging, frame)
		} else {
			att.queue.Enqueue(frame)
			toFlush = append(toFlush, att)
		}
		att.mu.Unlock()
	}
	st.mu.Unlock()

	for _, att := range toFlush {
		b.scheduleFlush(att, 0)
	}
}

// OnTerminalExit drops all state for the terminal. No further frames can be
// produced; the ring goes with it. Clients observe connection-level events
// from the registry separately.
func (b *Broker) OnTerminalExit(terminalID string) {
	b.mu.Lock()
	st := b.terminals[terminalID]
	delete(b.terminals, terminalID)
	b.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	st.exited = true
	atts := make([]*Attachment, 0, len(st.attachments))
	for _, att := range st.attachments {
		atts = append(atts, att)
	}
	st.attachments = make(map[string]*Attachment)
	st.mu.Unlock()

	for _, att := range atts {
		att.markDetached()
		b.unindexConn(att.conn.ID(), terminalID)
	}

	b.logger.Debug().
		Str("terminal_id", terminalID).
		Int("attachments", len(atts)).
		Msg("Terminal exited, state dropped")
}

// SendCreatedAndAttach forwards the terminal.created envelope verbatim, then
// runs the attach handshake.
func (b *Broker) SendCreatedAndAttach(conn ClientConnection, created CreatedMessage, sinceSeq int64) bool {
	created.Type = TypeTerminalCreated
	if !conn.Send(created) {
		return false
	}
	return b.Attach(conn, created.TerminalID, sinceSeq)
}

// Attach runs the attach handshake for (conn, terminalID). The snapshot phase
// runs under the per-terminal lock; the send phase runs under the attachment
// mutex only, so ingest arriving mid-handshake stages frames instead of
// waiting, and the drain step delivers them exactly once after replay. It
// returns false only when the registry refuses the attach; a connection that
// dies mid-handshake is abandoned for the close handler to reap.
func (b *Broker) Attach(conn ClientConnection, terminalID string, sinceSeq int64) bool {
	st := b.getOrCreateState(terminalID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	if st.exited {
		st.mu.Unlock()
		return false
	}

	rec, ok := b.reg.Attach(terminalID, conn.ID(), true)
	if !ok {
		st.mu.Unlock()
		return false
	}

	att := st.attachments[conn.ID()]
	if att == nil {
		att = newAttachment(conn, terminalID, b.cfg.ClientQueueMaxBytes)
		st.attachments[conn.ID()] = att
		b.indexConn(conn.ID(), terminalID)
	} else {
		// Reattach on a live connection: replay supersedes anything queued.
		// Bumping the epoch makes a flush tick already in flight abort before
		// its next send; stopping the timer covers ticks not yet started.
		att.mu.Lock()
		att.mode = modeAttaching
		att.epoch++
		att.staging = nil
		if att.flushTimer != nil {
			att.flushTimer.Stop()
			att.flushTimer = nil
		}
		att.mu.Unlock()
		att.queue.Reset()
	}
	att.mu.Lock()
	epoch := att.epoch
	att.mu.Unlock()

	// Adopt output that predates broker wiring. Only the first attach task for
	// a fresh terminal observes headSeq == 0; the per-terminal lock keeps the
	// seed and early ingest from racing.
	if st.ring.HeadSeq() == 0 && rec != nil {
		if snap, ok := rec.BufferSnapshot(); ok && snap != "" {
			st.ring.Append(snap)
		}
	}

	replay := st.ring.ReplaySince(sinceSeq)
	headSeq := st.ring.HeadSeq()
	st.mu.Unlock()

	replayFrom, replayTo := headSeq+1, headSeq
	if n := len(replay.Frames); n > 0 {
		replayFrom = replay.Frames[0].SeqStart
		replayTo = replay.Frames[n-1].SeqEnd
	}

	fields := map[string]any{
		"terminalId":   terminalID,
		"connectionId": conn.ID(),
		"sinceSeq":     sinceSeq,
		"headSeq":      headSeq,
	}
	if replay.MissedFromSeq > 0 {
		b.sink.Record(EventReplayMiss, zerolog.WarnLevel, fields)
	} else {
		b.sink.Record(EventReplayHit, zerolog.InfoLevel, fields)
	}

	b.runHandshake(att, conn, epoch, replay, headSeq, replayFrom, replayTo)

	b.logger.Debug().
		Str("terminal_id", terminalID).
		Str("connection_id", conn.ID()).
		Int64("since_seq", sinceSeq).
		Int64("head_seq", headSeq).
		Int("replay_frames", len(replay.Frames)).
		Msg("Attach handshake complete")
	return true
}

// runHandshake is the send phase of an attach. It holds the attachment mutex
// for the whole phase: a stale flush tick sees the epoch bump and aborts, and
// ingest blocks only on the staging append, never on the terminal lock. A send
// failure abandons the handshake with the attachment still staging; the close
// handler reaps it.
func (b *Broker) runHandshake(att *Attachment, conn ClientConnection, epoch uint64, replay Replay, headSeq, replayFrom, replayTo int64) {
	att.mu.Lock()
	defer att.mu.Unlock()

	if att.detached || att.epoch != epoch {
		return
	}

	if !conn.Send(AttachReadyMessage{
		Type:          TypeAttachReady,
		TerminalID:    att.terminalID,
		HeadSeq:       headSeq,
		ReplayFromSeq: replayFrom,
		ReplayToSeq:   replayTo,
	}) {
		return
	}

	if replay.MissedFromSeq > 0 {
		missedTo := replayFrom - 1
		if missedTo >= replay.MissedFromSeq {
			if !b.sendGapLocked(att, Gap{
				FromSeq: replay.MissedFromSeq,
				ToSeq:   missedTo,
				Reason:  GapReplayWindowExceeded,
			}) {
				return
			}
		}
	}

	for _, f := range replay.Frames {
		if !b.sendFrameLocked(att, f) {
			return
		}
	}

	// Drain what ingest staged while the snapshot was taken, then go live.
	// Frames at or below replayTo were already covered by replay.
	staged := att.staging
	att.staging = nil
	for _, f := range staged {
		if f.SeqStart <= replayTo {
			continue
		}
		if !b.sendFrameLocked(att, f) {
			return
		}
	}

	att.mode = modeLive
}

// sendFrameLocked delivers one frame and advances lastSeq. Caller holds the
// attachment mutex. Returns false on a dead connection.
func (b *Broker) sendFrameLocked(att *Attachment, f Frame) bool {
	if !att.conn.Send(OutputMessage{
		Type:       TypeOutput,
		TerminalID: att.terminalID,
		SeqStart:   f.SeqStart,
		SeqEnd:     f.SeqEnd,
		Data:       f.Data,
	}) {
		return false
	}
	if f.SeqEnd > att.lastSeq {
		att.lastSeq = f.SeqEnd
	}
	return true
}

// sendGapLocked delivers a gap notification, advances lastSeq to its upper
// bound, and records the observability event: eviction is warn-worthy, a blown
// replay window is routine. Caller holds the attachment mutex.
func (b *Broker) sendGapLocked(att *Attachment, g Gap) bool {
	if !att.conn.Send(OutputGapMessage{
		Type:       TypeOutputGap,
		TerminalID: att.terminalID,
		FromSeq:    g.FromSeq,
		ToSeq:      g.ToSeq,
		Reason:     g.Reason,
	}) {
		return false
	}
	if g.ToSeq > att.lastSeq {
		att.lastSeq = g.ToSeq
	}

	level := zerolog.InfoLevel
	if g.Reason == GapQueueOverflow {
		level = zerolog.WarnLevel
	}
	b.sink.Record(EventGap, level, map[string]any{
		"terminalId":   att.terminalID,
		"connectionId": att.conn.ID(),
		"fromSeq":      g.FromSeq,
		"toSeq":        g.ToSeq,
		"reason":       string(g.Reason),
	})
	return true
}

// Detach removes the (conn, terminalID) attachment. Idempotent: true the first
// time, false thereafter or if never attached.
func (b *Broker) Detach(terminalID string, conn ClientConnection) bool {
	st := b.lookupState(terminalID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	att := st.attachments[conn.ID()]
	if att == nil {
		st.mu.Unlock()
		return false
	}
	delete(st.attachments, conn.ID())
	st.mu.Unlock()

	att.markDetached()
	b.unindexConn(conn.ID(), terminalID)
	b.reg.Detach(terminalID, conn.ID())

	b.logger.Debug().
		Str("terminal_id", terminalID).
		Str("connection_id", conn.ID()).
		Msg("Detached")
	return true
}

// DetachAllForConn detaches conn from every terminal it is attached to. Called
// by the connection close handler.
func (b *Broker) DetachAllForConn(conn ClientConnection) {
	b.mu.Lock()
	var terminalIDs []string
	for tid := range b.byConn[conn.ID()] {
		terminalIDs = append(terminalIDs, tid)
	}
	b.mu.Unlock()

	for _, tid := range terminalIDs {
		b.Detach(tid, conn)
	}
}

// AttachedClientCount reports how many connections are attached to a terminal.
func (b *Broker) AttachedClientCount(terminalID string) int {
	st := b.lookupState(terminalID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.attachments)
}

// Counts reports the number of terminals with broker state and the total
// number of attachments across them. Used for gauge exports.
func (b *Broker) Counts() (terminals, attachments int) {
	b.mu.Lock()
	states := make([]*terminalState, 0, len(b.terminals))
	for _, st := range b.terminals {
		states = append(states, st)
	}
	b.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		attachments += len(st.attachments)
		st.mu.Unlock()
	}
	return len(states), attachments
}

// Close cancels all flush timers, drops all state, and unsubscribes from the
// registry. After Close no timers fire and no sends occur.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	states := make([]*terminalState, 0, len(b.terminals))
	for _, st := range b.terminals {
		states = append(states, st)
	}
	b.terminals = make(map[string]*terminalState)
	b.byConn = make(map[string]map[string]struct{})
	b.mu.Unlock()

	if b.unsubscribe != nil {
		b.unsubscribe()
	}

	for _, st := range states {
		st.mu.Lock()
		st.exited = true
		for _, att := range st.attachments {
			att.markDetached()
		}
		st.attachments = make(map[string]*Attachment)
		st.mu.Unlock()
	}

	b.logger.Debug().Msg("Broker closed")
}
