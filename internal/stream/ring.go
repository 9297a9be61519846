package stream

import "time"

// ReplayRing is the per-terminal bounded history of output frames. Frames are
// appended at the tail and evicted FIFO from the head once the byte budget is
// exceeded. Sequence numbers start at 1 and never reset for the life of the
// terminal, so a frame that falls out of the ring leaves a detectable hole.
//
// The ring is not internally synchronized; the broker serialises all access
// through the per-terminal lock.
type ReplayRing struct {
	frames     []Frame
	totalBytes int
	maxBytes   int
	nextSeq    int64 // assigned to the next appended frame
	head       int64 // largest seqEnd ever appended, 0 when empty

	now func() time.Time
}

// Replay is the result of a ReplaySince query. MissedFromSeq is zero when the
// requested range is fully covered by the ring; otherwise it is the first
// sequence number that was already evicted.
type Replay struct {
	Frames        []Frame
	MissedFromSeq int64
}

func NewReplayRing(maxBytes int) *ReplayRing {
	return &ReplayRing{
		maxBytes: maxBytes,
		nextSeq:  1,
		now:      time.Now,
	}
}

// Append assigns the next sequence number to data and stores it, evicting from
// the head until the ring is back under budget.
//
// Oversized input keeps only the suffix that fits within maxBytes, cut at a
// UTF-8 boundary. The frame still occupies a sequence number even when its data
// ends up empty: dropping it silently would leave a hidden gap, and the most
// recent bytes are what a newly attaching client needs.
func (r *ReplayRing) Append(data string) Frame {
	data = utf8Suffix(data, r.maxBytes)
	f := Frame{
		SeqStart: r.nextSeq,
		SeqEnd:   r.nextSeq,
		Data:     data,
		Bytes:    len(data),
		At:       r.now(),
	}
	r.nextSeq++
	r.head = f.SeqEnd
	r.frames = append(r.frames, f)
	r.totalBytes += f.Bytes
	r.evict()
	return f
}

func (r *ReplayRing) evict() {
	for len(r.frames) > 0 && r.totalBytes > r.maxBytes {
		r.totalBytes -= r.frames[0].Bytes
		r.frames = r.frames[1:]
	}
}

// ReplaySince returns the frames with seqEnd > since, in order. since=0 means
// "from the beginning". When the ring no longer covers the requested range the
// first missing sequence number is reported so the caller can surface a gap.
func (r *ReplayRing) ReplaySince(since int64) Replay {
	if len(r.frames) == 0 {
		if since < r.head {
			return Replay{MissedFromSeq: since + 1}
		}
		return Replay{}
	}

	var rep Replay
	if tail := r.frames[0].SeqStart; since < tail-1 {
		rep.MissedFromSeq = since + 1
	}
	for _, f := range r.frames {
		if f.SeqEnd > since {
			rep.Frames = append(rep.Frames, f)
		}
	}
	return rep
}

// HeadSeq is the largest sequence number ever appended, 0 when nothing has.
func (r *ReplayRing) HeadSeq() int64 { return r.head }

// TailSeq is the smallest seqStart still present, 0 when the ring is empty.
func (r *ReplayRing) TailSeq() int64 {
	if len(r.frames) == 0 {
		return 0
	}
	return r.frames[0].SeqStart
}

// TotalBytes is the current byte footprint of buffered frames.
func (r *ReplayRing) TotalBytes() int { return r.totalBytes }

// Len is the number of buffered frames.
func (r *ReplayRing) Len() int { return len(r.frames) }

// SetMaxBytes reconfigures the budget and immediately re-evicts.
func (r *ReplayRing) SetMaxBytes(n int) {
	r.maxBytes = n
	r.evict()
}
