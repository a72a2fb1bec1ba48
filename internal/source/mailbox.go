package source

import (
	"sync"
	"time"

	"github.com/andresmejia3/camwatch/internal/types"
)

// DefaultMaxFrameAge is how long a camera's newest frame stays usable when
// no fresher one arrives.
const DefaultMaxFrameAge = time.Second

// Stats describes one source's activity.
type Stats struct {
	Index  int
	Origin string
	Up     bool

	Received    uint64 // frames decoded
	Overwritten uint64 // frames replaced before anyone read them
	Reads       uint64 // TryRead calls that returned a frame
	Misses      uint64 // TryRead calls while down, stale or before the first frame
	Restarts    uint64

	LastFrame time.Time
	LastError string
}

// bufferPool recycles frame buffers that were overwritten unread.
var bufferPool = sync.Pool{
	New: func() any { return make([]byte, 0, 256*1024) },
}

// CopyFrame copies data into a pooled buffer.
func CopyFrame(data []byte) []byte {
	buf := bufferPool.Get().([]byte)
	if cap(buf) < len(data) {
		buf = make([]byte, len(data))
	}
	buf = buf[:len(data)]
	copy(buf, data)
	return buf
}

// Mailbox holds a camera's newest frame. Put replaces it; Latest returns it
// without clearing, so a live camera stays in every tick between two decoded
// frames. Safe for one writer and many readers.
type Mailbox struct {
	mu     sync.Mutex
	frame  types.Frame
	full   bool
	lent   bool // frame.JPEG was handed to a reader and may still be in use
	seq    uint64
	maxAge time.Duration
	stats  Stats
}

// NewMailbox creates a mailbox for camera index. A frame older than maxAge is
// no longer served; maxAge <= 0 serves the newest frame for as long as the
// camera is up.
func NewMailbox(index int, origin string, maxAge time.Duration) *Mailbox {
	return &Mailbox{maxAge: maxAge, stats: Stats{Index: index, Origin: origin}}
}

// Put stores a frame, taking ownership of jpeg.
func (m *Mailbox) Put(jpeg []byte, captured time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full && !m.lent {
		m.stats.Overwritten++
		bufferPool.Put(m.frame.JPEG[:0])
	}
	m.seq++
	m.frame = types.Frame{Camera: m.stats.Index, Seq: m.seq, Captured: captured, JPEG: jpeg}
	m.full = true
	m.lent = false
	m.stats.Received++
	m.stats.LastFrame = captured
	m.stats.Up = true
	m.stats.LastError = ""
}

// Latest returns the newest frame while the camera is up and the frame is
// fresh. The same frame may be returned to many callers: its buffer is shared
// and must not be modified.
func (m *Mailbox) Latest() (types.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full || !m.stats.Up || (m.maxAge > 0 && time.Since(m.frame.Captured) > m.maxAge) {
		m.stats.Misses++
		return types.Frame{}, false
	}
	m.lent = true
	m.stats.Reads++
	return m.frame, true
}

// MarkDown records that the reader lost its camera.
func (m *Mailbox) MarkDown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Up = false
	if err != nil {
		m.stats.LastError = err.Error()
	}
}

// MarkRestart counts a reconnect attempt.
func (m *Mailbox) MarkRestart() {
	m.mu.Lock()
	m.stats.Restarts++
	m.mu.Unlock()
}

// Stats returns a copy of the counters.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
