// Package rectifier repairs malformed upstream responses before they reach
// the client: truncated-JSON balancing, malformed-SSE reframing, and
// encoding normalization (spec.md §4.5 "Response Rectifier").
package rectifier

import (
	"io"
	"sync"
	"unsafe"
)

// ZeroCopyBuffer provides zero-copy buffer operations.
type ZeroCopyBuffer struct {
	data     []byte
	readPos  int
	writePos int
	mu       sync.RWMutex
}

// NewZeroCopyBuffer creates a new zero-copy buffer.
func NewZeroCopyBuffer(size int) *ZeroCopyBuffer {
	return &ZeroCopyBuffer{
		data: make([]byte, size),
	}
}

// Write copies p into the internal buffer, growing it when needed.
func (b *ZeroCopyBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	available := len(b.data) - b.writePos
	if len(p) > available {
		// Grow buffer
		newSize := len(b.data) * 2
		if newSize < b.writePos+len(p) {
			newSize = b.writePos + len(p)
		}
		newData := make([]byte, newSize)
		copy(newData, b.data[:b.writePos])
		b.data = newData
	}

	copy(b.data[b.writePos:], p)
	b.writePos += len(p)
	return len(p), nil
}

// Read copies unread data from the internal buffer into p.
func (b *ZeroCopyBuffer) Read(p []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.readPos >= b.writePos {
		return 0, io.EOF
	}

	n := copy(p, b.data[b.readPos:b.writePos])
	b.readPos += n
	return n, nil
}

// Bytes returns the unread portion without copying.
func (b *ZeroCopyBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data[b.readPos:b.writePos]
}

// BytesUnsafe returns bytes without lock (caller must ensure safety).
func (b *ZeroCopyBuffer) BytesUnsafe() []byte {
	return b.data[b.readPos:b.writePos]
}

// Reset resets the buffer for reuse.
func (b *ZeroCopyBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readPos = 0
	b.writePos = 0
}

// Len returns the number of unread bytes.
func (b *ZeroCopyBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writePos - b.readPos
}

// BytesToString converts bytes to string without copying.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// StringToBytes converts string to bytes without copying.
func StringToBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

