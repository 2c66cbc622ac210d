package realtime

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("frame buffer full")

// FrameBuffer accumulates encoded audio frames captured while the transport
// is still connecting. Frame boundaries are preserved so drained frames can
// be written to the track individually.
type FrameBuffer struct {
	frames    [][]byte
	totalSize int
	maxSize   int
	mu        sync.Mutex
}

// NewFrameBuffer creates a buffer with the specified maximum size in bytes
func NewFrameBuffer(maxSize int) *FrameBuffer {
	return &FrameBuffer{
		frames:  make([][]byte, 0),
		maxSize: maxSize,
	}
}

// MaxSize returns the maximum buffer size
func (fb *FrameBuffer) MaxSize() int {
	return fb.maxSize
}

// Append adds a frame to the buffer
// Returns ErrBufferFull if adding the frame would exceed maxSize
func (fb *FrameBuffer) Append(frame []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	newSize := fb.totalSize + len(frame)
	if newSize > fb.maxSize {
		return ErrBufferFull
	}

	fb.frames = append(fb.frames, frame)
	fb.totalSize = newSize
	return nil
}

// Drain returns all buffered frames in append order and clears the buffer
func (fb *FrameBuffer) Drain() [][]byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if len(fb.frames) == 0 {
		return nil
	}

	out := fb.frames
	fb.frames = make([][]byte, 0)
	fb.totalSize = 0
	return out
}

// Clear empties the buffer without returning data
func (fb *FrameBuffer) Clear() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.frames = make([][]byte, 0)
	fb.totalSize = 0
}

// Size returns the current total buffered bytes
func (fb *FrameBuffer) Size() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.totalSize
}

// IsEmpty returns true if no frames are buffered
func (fb *FrameBuffer) IsEmpty() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.frames) == 0
}

// FrameCount returns the number of buffered frames
func (fb *FrameBuffer) FrameCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.frames)
}
