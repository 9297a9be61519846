// Package terminal provides the registry the stream broker consumes: a
// directory of live terminals, their pre-attach scrollback, and the fan-out of
// raw output and exit events to subscribers.
package terminal

import (
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/adred-codev/termstream/internal/monitoring"
	"github.com/adred-codev/termstream/internal/stream"
)

// LocalRegistry is an in-process Registry implementation. Terminal sources
// (the NATS bridge, or tests) push output and exit events in; the broker
// subscribes and attaches through the stream.Registry interface.
//
// Each terminal keeps a bounded scrollback of output seen before the broker
// wired itself up, so a first attach can seed the replay ring with history
// that predates it.
type LocalRegistry struct {
	logger        zerolog.Logger
	scrollbackMax int

	mu        sync.Mutex
	terminals map[string]*terminalRecord
	listeners map[int]stream.RegistryListener
	nextSub   int
}

type terminalRecord struct {
	scrollback string
	attached   map[string]struct{} // connection IDs
	exited     bool
}

const defaultScrollbackMax = 256 * 1024

func NewLocalRegistry(logger zerolog.Logger) *LocalRegistry {
	return &LocalRegistry{
		logger:        logger.With().Str("component", "terminal-registry").Logger(),
		scrollbackMax: defaultScrollbackMax,
		terminals:     make(map[string]*terminalRecord),
		listeners:     make(map[int]stream.RegistryListener),
	}
}

// Subscribe registers a listener for output and exit events. The returned
// cancel func is idempotent.
func (r *LocalRegistry) Subscribe(l stream.RegistryListener) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = l
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// PublishOutput records data in the terminal's scrollback and notifies
// subscribers. Unknown terminals are created on first output.
func (r *LocalRegistry) PublishOutput(terminalID, data string) {
	r.mu.Lock()
	rec := r.getOrCreateLocked(terminalID)
	if rec.exited {
		r.mu.Unlock()
		return
	}
	rec.scrollback = trimScrollback(rec.scrollback+data, r.scrollbackMax)
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	monitoring.RecordIngest(len(data))
	for _, l := range listeners {
		l.OnTerminalOutput(terminalID, data)
	}
}

// PublishExit marks the terminal dead and notifies subscribers. Later
// attaches are refused.
func (r *LocalRegistry) PublishExit(terminalID string) {
	r.mu.Lock()
	rec := r.getOrCreateLocked(terminalID)
	if rec.exited {
		r.mu.Unlock()
		return
	}
	rec.exited = true
	rec.attached = make(map[string]struct{})
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	r.logger.Debug().Str("terminal_id", terminalID).Msg("Terminal exit published")
	for _, l := range listeners {
		l.OnTerminalExit(terminalID)
	}
}

// Attach registers a connection's interest in a terminal. suppressOutput is
// accepted for interface compatibility; the local registry never delivers to
// connections itself. Refused once the terminal has exited.
func (r *LocalRegistry) Attach(terminalID, connectionID string, suppressOutput bool) (stream.RegistryAttachment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.getOrCreateLocked(terminalID)
	if rec.exited {
		return nil, false
	}
	rec.attached[connectionID] = struct{}{}
	// Snapshot is captured at attach time: output arriving afterwards belongs
	// to the broker's ring, not the seed.
	snap := rec.scrollback
	return &registryAttachment{snapshot: snap}, true
}

// Detach removes a connection's interest. Returns whether it was attached.
func (r *LocalRegistry) Detach(terminalID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.terminals[terminalID]
	if rec == nil {
		return false
	}
	if _, ok := rec.attached[connectionID]; !ok {
		return false
	}
	delete(rec.attached, connectionID)
	return true
}

// AttachedCount reports how many connections the registry has attached to a
// terminal.
func (r *LocalRegistry) AttachedCount(terminalID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.terminals[terminalID]
	if rec == nil {
		return 0
	}
	return len(rec.attached)
}

func (r *LocalRegistry) getOrCreateLocked(terminalID string) *terminalRecord {
	rec := r.terminals[terminalID]
	if rec == nil {
		rec = &terminalRecord{attached: make(map[string]struct{})}
		r.terminals[terminalID] = rec
	}
	return rec
}

func (r *LocalRegistry) snapshotListenersLocked() []stream.RegistryListener {
	out := make([]stream.RegistryListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

type registryAttachment struct {
	snapshot string
}

func (a *registryAttachment) BufferSnapshot() (string, bool) {
	return a.snapshot, a.snapshot != ""
}

// trimScrollback keeps the most recent max bytes of s, cut forward to a UTF-8
// boundary so the snapshot never starts mid-rune.
func trimScrollback(s string, max int) string {
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
