package types

import (
	"sort"
	"time"
)

// Frame is a single JPEG-encoded image captured from one camera source.
// Frames are treated as immutable once published by a source.
type Frame struct {
	Camera   int
	Seq      uint64
	Captured time.Time
	JPEG     []byte
}

// Clone returns a deep copy whose buffer shares no memory with f.
func (f Frame) Clone() Frame {
	out := f
	if f.JPEG != nil {
		out.JPEG = make([]byte, len(f.JPEG))
		copy(out.JPEG, f.JPEG)
	}
	return out
}

// FrameSet maps camera index to the frame captured from it during one tick.
// Cameras that delivered nothing this tick are absent.
type FrameSet map[int]Frame

// Indices returns the camera indices present in the set in ascending order.
func (fs FrameSet) Indices() []int {
	idx := make([]int, 0, len(fs))
	for i := range fs {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Clone isolates the set from the capture loop: every buffer is copied.
func (fs FrameSet) Clone() FrameSet {
	out := make(FrameSet, len(fs))
	for i, f := range fs {
		out[i] = f.Clone()
	}
	return out
}

// First returns the frame with the lowest camera index, if any.
func (fs FrameSet) First() (Frame, bool) {
	idx := fs.Indices()
	if len(idx) == 0 {
		return Frame{}, false
	}
	return fs[idx[0]], true
}

// CameraSource is a configured capture origin: a local device id ("0",
// "/dev/video0") or a network URI.
type CameraSource struct {
	Index  int
	Origin string
}

// Identity is a known person tracked across all cameras.
type Identity struct {
	Name      string
	Reference []byte // JPEG
}
