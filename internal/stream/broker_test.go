package stream

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records everything the broker sends without touching a socket.
// beforeSend, when set, runs at the top of Send outside the fake's own lock,
// letting a test hold a delivery in flight.
type fakeConn struct {
	id         string
	beforeSend func(msg any)

	mu          sync.Mutex
	sent        []any
	buffered    int
	state       ReadyState
	closeCode   int
	closeReason string
	refuseSends bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg any) bool {
	if c.beforeSend != nil {
		c.beforeSend(msg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuseSends || c.state != StateOpen {
		return false
	}
	c.sent = append(c.sent, msg)
	return true
}

func (c *fakeConn) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeConn) setBuffered(n int) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

func (c *fakeConn) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		c.state = StateClosing
		c.closeCode = code
		c.closeReason = reason
	}
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeRegistry is an in-memory Registry that lets tests publish output and
// force attach refusals. onAttach, when set, fires inside Attach so a test can
// race work against the handshake.
type fakeRegistry struct {
	mu        sync.Mutex
	listeners []RegistryListener
	refuse    map[string]bool
	snapshots map[string]string
	onAttach  func(terminalID, connectionID string)
	detaches  int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		refuse:    make(map[string]bool),
		snapshots: make(map[string]string),
	}
}

func (r *fakeRegistry) Subscribe(l RegistryListener) (cancel func()) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	idx := len(r.listeners) - 1
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.listeners[idx] = nil
			r.mu.Unlock()
		})
	}
}

func (r *fakeRegistry) Attach(terminalID, connectionID string, suppressOutput bool) (RegistryAttachment, bool) {
	r.mu.Lock()
	refused := r.refuse[terminalID]
	snap := r.snapshots[terminalID]
	hook := r.onAttach
	r.mu.Unlock()
	if hook != nil {
		hook(terminalID, connectionID)
	}
	if refused {
		return nil, false
	}
	return fakeRegAttachment{snapshot: snap}, true
}

func (r *fakeRegistry) Detach(terminalID, connectionID string) bool {
	atomic.AddInt64(&r.detaches, 1)
	return true
}

func (r *fakeRegistry) publishOutput(terminalID, data string) {
	r.mu.Lock()
	ls := append([]RegistryListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			l.OnTerminalOutput(terminalID, data)
		}
	}
}

func (r *fakeRegistry) publishExit(terminalID string) {
	r.mu.Lock()
	r.refuse[terminalID] = true
	ls := append([]RegistryListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			l.OnTerminalExit(terminalID)
		}
	}
}

type fakeRegAttachment struct {
	snapshot string
}

func (a fakeRegAttachment) BufferSnapshot() (string, bool) {
	return a.snapshot, a.snapshot != ""
}

func testBrokerConfig() Config {
	return Config{
		ReplayRingMaxBytes:        256 * 1024,
		ClientQueueMaxBytes:       128 * 1024,
		BatchMaxBytes:             64 * 1024,
		RetryFlushDelay:           2 * time.Millisecond,
		CatastrophicBufferedBytes: 16 * 1024 * 1024,
		CatastrophicStall:         time.Second,
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestAttachEmptyTerminal(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	ready, ok := msgs[0].(AttachReadyMessage)
	require.True(t, ok)
	assert.Equal(t, TypeAttachReady, ready.Type)
	assert.Equal(t, "t1", ready.TerminalID)
	assert.Equal(t, int64(0), ready.HeadSeq)
	assert.Equal(t, int64(1), ready.ReplayFromSeq)
	assert.Equal(t, int64(0), ready.ReplayToSeq)
}

func TestAttachReplaysHistory(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	reg.publishOutput("t1", "a")
	reg.publishOutput("t1", "b")
	reg.publishOutput("t1", "c")

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 1))

	msgs := conn.messages()
	require.Len(t, msgs, 3)

	ready := msgs[0].(AttachReadyMessage)
	assert.Equal(t, int64(3), ready.HeadSeq)
	assert.Equal(t, int64(2), ready.ReplayFromSeq)
	assert.Equal(t, int64(3), ready.ReplayToSeq)

	f1 := msgs[1].(OutputMessage)
	assert.Equal(t, int64(2), f1.SeqStart)
	assert.Equal(t, "b", f1.Data)
	f2 := msgs[2].(OutputMessage)
	assert.Equal(t, int64(3), f2.SeqStart)
	assert.Equal(t, "c", f2.Data)
}

func TestAttachSeedsRingFromRegistrySnapshot(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	reg.snapshots["t1"] = "hello"
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	ready := msgs[0].(AttachReadyMessage)
	assert.Equal(t, int64(1), ready.HeadSeq)
	assert.Equal(t, int64(1), ready.ReplayFromSeq)
	assert.Equal(t, int64(1), ready.ReplayToSeq)
	out := msgs[1].(OutputMessage)
	assert.Equal(t, "hello", out.Data)
}

func TestAttachRefusedByRegistry(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	reg.refuse["t1"] = true
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	assert.False(t, b.Attach(conn, "t1", 0))
	assert.Empty(t, conn.messages())
	assert.Equal(t, 0, b.AttachedClientCount("t1"))
}

func TestLiveDeliveryAfterAttach(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	reg.publishOutput("t1", "hello ")
	reg.publishOutput("t1", "world")

	waitFor(t, "live frames delivered", func() bool {
		msgs := conn.messages()
		if len(msgs) < 2 {
			return false
		}
		last := msgs[len(msgs)-1].(OutputMessage)
		return last.SeqEnd == 2
	})

	// Sequence numbers are dense across everything delivered.
	var next int64 = 1
	for _, m := range conn.messages()[1:] {
		out := m.(OutputMessage)
		assert.Equal(t, next, out.SeqStart)
		next = out.SeqEnd + 1
	}
}

func TestSlowConsumerQueueOverflowEmitsGap(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testBrokerConfig()
	cfg.ClientQueueMaxBytes = 2
	reg := newFakeRegistry()
	b := NewBroker(cfg, reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	// Stall the connection so frames pile up in the queue and evict.
	conn.setBuffered(cfg.CatastrophicBufferedBytes + 1)
	for i := 1; i <= 5; i++ {
		reg.publishOutput("t1", strconv.Itoa(i))
	}

	// Give deferred flushes a moment to observe the stall, then release it.
	time.Sleep(20 * time.Millisecond)
	conn.setBuffered(0)

	waitFor(t, "gap and coalesced frame", func() bool {
		msgs := conn.messages()
		if len(msgs) < 2 {
			return false
		}
		_, isGap := msgs[1].(OutputGapMessage)
		return isGap
	})

	msgs := conn.messages()
	gap := msgs[1].(OutputGapMessage)
	assert.Equal(t, int64(1), gap.FromSeq)
	assert.Equal(t, int64(3), gap.ToSeq)
	assert.Equal(t, GapQueueOverflow, gap.Reason)

	waitFor(t, "surviving frames delivered", func() bool {
		msgs := conn.messages()
		last, ok := msgs[len(msgs)-1].(OutputMessage)
		return ok && last.SeqEnd == 5
	})
	out := conn.messages()[2].(OutputMessage)
	assert.Equal(t, int64(4), out.SeqStart)
	assert.Equal(t, int64(5), out.SeqEnd)
	assert.Equal(t, "45", out.Data)
}

func TestAttachBeyondReplayWindow(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testBrokerConfig()
	cfg.ReplayRingMaxBytes = 2
	reg := newFakeRegistry()
	b := NewBroker(cfg, reg, nil, zerolog.Nop())
	defer b.Close()

	for i := 1; i <= 5; i++ {
		reg.publishOutput("t1", strconv.Itoa(i))
	}

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 2))

	msgs := conn.messages()
	require.Len(t, msgs, 4)

	ready := msgs[0].(AttachReadyMessage)
	assert.Equal(t, int64(5), ready.HeadSeq)
	assert.Equal(t, int64(4), ready.ReplayFromSeq)
	assert.Equal(t, int64(5), ready.ReplayToSeq)

	gap := msgs[1].(OutputGapMessage)
	assert.Equal(t, int64(3), gap.FromSeq)
	assert.Equal(t, int64(3), gap.ToSeq)
	assert.Equal(t, GapReplayWindowExceeded, gap.Reason)

	assert.Equal(t, int64(4), msgs[2].(OutputMessage).SeqStart)
	assert.Equal(t, int64(5), msgs[3].(OutputMessage).SeqStart)
}

func TestCatastrophicBackpressureClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testBrokerConfig()
	cfg.CatastrophicBufferedBytes = 1024
	cfg.CatastrophicStall = 50 * time.Millisecond
	reg := newFakeRegistry()
	b := NewBroker(cfg, reg, nil, zerolog.Nop())
	defer b.Close()

	var clockMu sync.Mutex
	current := time.Now()
	b.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	conn.setBuffered(cfg.CatastrophicBufferedBytes + 1)
	reg.publishOutput("t1", "x")

	// Let the first flush arm the stall timer, then jump past the window.
	time.Sleep(10 * time.Millisecond)
	clockMu.Lock()
	current = current.Add(cfg.CatastrophicStall + time.Millisecond)
	clockMu.Unlock()

	waitFor(t, "catastrophic close", func() bool {
		return conn.closedWith() == CloseCatastrophicBackpressure
	})
	waitFor(t, "attachment reaped", func() bool {
		return b.AttachedClientCount("t1") == 0
	})
}

func TestTransientBackpressureDoesNotClose(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testBrokerConfig()
	cfg.CatastrophicBufferedBytes = 1024
	reg := newFakeRegistry()
	b := NewBroker(cfg, reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	conn.setBuffered(cfg.CatastrophicBufferedBytes + 1)
	reg.publishOutput("t1", "x")
	time.Sleep(10 * time.Millisecond)

	// Backlog drains well before the stall window elapses.
	conn.setBuffered(0)

	waitFor(t, "frame delivered after recovery", func() bool {
		msgs := conn.messages()
		if len(msgs) == 0 {
			return false
		}
		_, ok := msgs[len(msgs)-1].(OutputMessage)
		return ok
	})
	assert.Equal(t, 0, conn.closedWith())
}

func TestTerminalExitDropsState(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))
	reg.publishOutput("t1", "bye")

	reg.publishExit("t1")

	assert.Equal(t, 0, b.AttachedClientCount("t1"))
	// Attaching to an exited terminal is refused by the registry.
	assert.False(t, b.Attach(newFakeConn("c2"), "t1", 0))
}

func TestDetachIsIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	assert.True(t, b.Detach("t1", conn))
	assert.False(t, b.Detach("t1", conn))
	assert.False(t, b.Detach("never-attached", conn))
	assert.Equal(t, int64(1), atomic.LoadInt64(&reg.detaches))
}

func TestDetachAllForConn(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))
	require.True(t, b.Attach(conn, "t2", 0))

	b.DetachAllForConn(conn)

	assert.Equal(t, 0, b.AttachedClientCount("t1"))
	assert.Equal(t, 0, b.AttachedClientCount("t2"))
}

func TestReattachResetsQueueAndReplays(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))
	reg.publishOutput("t1", "a")
	reg.publishOutput("t1", "b")

	waitFor(t, "initial delivery", func() bool {
		msgs := conn.messages()
		if len(msgs) == 0 {
			return false
		}
		last, ok := msgs[len(msgs)-1].(OutputMessage)
		return ok && last.SeqEnd == 2
	})

	// Same connection re-runs the handshake asking for everything.
	before := len(conn.messages())
	require.True(t, b.Attach(conn, "t1", 0))

	msgs := conn.messages()[before:]
	require.NotEmpty(t, msgs)
	ready := msgs[0].(AttachReadyMessage)
	assert.Equal(t, int64(2), ready.HeadSeq)
	assert.Equal(t, int64(1), ready.ReplayFromSeq)
	assert.Equal(t, int64(2), ready.ReplayToSeq)
	require.Len(t, msgs, 3)
	assert.Equal(t, 1, b.AttachedClientCount("t1"))
}

func TestInFlightSendDoesNotReorderLiveDelivery(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	conn.beforeSend = func(msg any) {
		if out, ok := msg.(OutputMessage); ok && out.SeqStart == 1 {
			once.Do(func() { close(inFlight) })
			<-release
		}
	}

	require.True(t, b.Attach(conn, "t1", 0))

	// The first frame's flush tick blocks inside its send.
	reg.publishOutput("t1", "a")
	<-inFlight

	// A second frame arrives while the first is still in flight. It must not
	// reach the wire ahead of it.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reg.publishOutput("t1", "b")
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	waitFor(t, "both frames delivered", func() bool {
		msgs := conn.messages()
		if len(msgs) == 0 {
			return false
		}
		last, ok := msgs[len(msgs)-1].(OutputMessage)
		return ok && last.SeqEnd == 2
	})

	var next int64 = 1
	for _, m := range conn.messages()[1:] {
		out := m.(OutputMessage)
		assert.Equal(t, next, out.SeqStart)
		next = out.SeqEnd + 1
	}
	assert.Equal(t, int64(3), next)
}

func TestReattachSupersedesInFlightFlush(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testBrokerConfig()
	cfg.ClientQueueMaxBytes = 2
	reg := newFakeRegistry()
	b := NewBroker(cfg, reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	conn.beforeSend = func(msg any) {
		if _, ok := msg.(OutputGapMessage); ok {
			once.Do(func() { close(inFlight) })
			<-release
		}
	}

	require.True(t, b.Attach(conn, "t1", 0))

	// Overflow the queue while the connection is stalled, then release it: the
	// next tick's batch is a gap followed by a coalesced frame, and the gap
	// send blocks in flight.
	conn.setBuffered(cfg.CatastrophicBufferedBytes + 1)
	for i := 1; i <= 5; i++ {
		reg.publishOutput("t1", strconv.Itoa(i))
	}
	time.Sleep(20 * time.Millisecond)
	conn.setBuffered(0)
	<-inFlight

	// Re-run the handshake while the tick is mid-send.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.True(t, b.Attach(conn, "t1", 0))
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	waitFor(t, "reattach replay delivered", func() bool {
		msgs := conn.messages()
		last := -1
		for i, m := range msgs {
			if _, ok := m.(AttachReadyMessage); ok {
				last = i
			}
		}
		if last <= 0 || len(msgs) <= last+1 {
			return false
		}
		out, ok := msgs[len(msgs)-1].(OutputMessage)
		return ok && out.SeqEnd == 5
	})

	// Nothing from the superseded tick lands after the new handshake: every
	// message past the last attach.ready is replayed output, densely ordered
	// from its replayFromSeq.
	msgs := conn.messages()
	lastReady := -1
	var ready AttachReadyMessage
	for i, m := range msgs {
		if r, ok := m.(AttachReadyMessage); ok {
			lastReady = i
			ready = r
		}
	}
	require.Greater(t, lastReady, 0)
	next := ready.ReplayFromSeq
	for _, m := range msgs[lastReady+1:] {
		out, ok := m.(OutputMessage)
		require.True(t, ok, "only replayed output may follow the new handshake")
		assert.Equal(t, next, out.SeqStart)
		next = out.SeqEnd + 1
	}
	assert.Equal(t, int64(6), next)
}

func TestOutputWhileAttachingIsStagedNotDelivered(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))
	reg.publishOutput("t1", "a")
	waitFor(t, "first frame delivered", func() bool {
		msgs := conn.messages()
		if len(msgs) == 0 {
			return false
		}
		out, ok := msgs[len(msgs)-1].(OutputMessage)
		return ok && out.SeqEnd == 1
	})

	// Put the attachment back into the handshake state, as if a reattach
	// snapshot had just been taken.
	st := b.lookupState("t1")
	require.NotNil(t, st)
	st.mu.Lock()
	att := st.attachments[conn.ID()]
	st.mu.Unlock()
	require.NotNil(t, att)
	att.mu.Lock()
	att.mode = modeAttaching
	att.mu.Unlock()

	before := len(conn.messages())
	reg.publishOutput("t1", "b")
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, conn.messages(), before, "frames stage during a handshake")
	att.mu.Lock()
	staged := len(att.staging)
	att.mu.Unlock()
	assert.Equal(t, 1, staged)

	// A full reattach picks the staged frame up through replay, exactly once.
	require.True(t, b.Attach(conn, "t1", 1))
	msgs := conn.messages()[before:]
	require.Len(t, msgs, 2)
	ready := msgs[0].(AttachReadyMessage)
	assert.Equal(t, int64(2), ready.HeadSeq)
	out := msgs[1].(OutputMessage)
	assert.Equal(t, int64(2), out.SeqStart)
	assert.Equal(t, "b", out.Data)
	assert.Equal(t, 1, b.AttachedClientCount("t1"))
}

func TestOutputArrivingMidHandshakeDeliveredExactlyOnce(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	reg.publishOutput("t1", "a")

	// Publish concurrently with the handshake. Depending on who wins the
	// attachment mutex the frame is staged and drained, or enqueued and
	// flushed; either way it arrives exactly once, in order.
	var wg sync.WaitGroup
	reg.onAttach = func(terminalID, connectionID string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.publishOutput("t1", "b")
		}()
	}

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))
	wg.Wait()

	waitFor(t, "both frames delivered", func() bool {
		msgs := conn.messages()
		if len(msgs) < 3 {
			return false
		}
		last, ok := msgs[len(msgs)-1].(OutputMessage)
		return ok && last.SeqEnd == 2
	})

	msgs := conn.messages()
	_, isReady := msgs[0].(AttachReadyMessage)
	require.True(t, isReady)
	var next int64 = 1
	for _, m := range msgs[1:] {
		out, ok := m.(OutputMessage)
		require.True(t, ok)
		assert.Equal(t, next, out.SeqStart)
		next = out.SeqEnd + 1
	}
	assert.Equal(t, int64(3), next)
}

func TestSendCreatedAndAttach(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())
	defer b.Close()

	conn := newFakeConn("c1")
	ok := b.SendCreatedAndAttach(conn, CreatedMessage{
		RequestID:  "r1",
		TerminalID: "t1",
	}, 0)
	require.True(t, ok)

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	created := msgs[0].(CreatedMessage)
	assert.Equal(t, TypeTerminalCreated, created.Type)
	assert.Equal(t, "t1", created.TerminalID)
	_, isReady := msgs[1].(AttachReadyMessage)
	assert.True(t, isReady)
}

func TestBrokerCloseIsIdempotentAndFinal(t *testing.T) {
	defer leaktest.Check(t)()

	reg := newFakeRegistry()
	b := NewBroker(testBrokerConfig(), reg, nil, zerolog.Nop())

	conn := newFakeConn("c1")
	require.True(t, b.Attach(conn, "t1", 0))

	b.Close()
	b.Close()

	// No state survives and no new attaches are accepted.
	assert.Equal(t, 0, b.AttachedClientCount("t1"))
	assert.False(t, b.Attach(newFakeConn("c2"), "t1", 0))

	// Output published after close is ignored.
	before := len(conn.messages())
	reg.publishOutput("t1", "late")
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, conn.messages(), before)
}
