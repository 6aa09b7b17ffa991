package orchestrator

import (
	"strings"
	"sync"
)

const stderrRingSize = 16 * 1024

// ringBuffer keeps the most recent writes up to a fixed capacity. The
// decoder's stderr is wired into one so a crash report can include the
// tail of its output without the host holding unbounded text.
type ringBuffer struct {
	mu      sync.Mutex
	data    []byte
	pos     int
	written uint64
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = stderrRingSize
	}
	return &ringBuffer{data: make([]byte, size)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.written += uint64(n)

	if n >= len(r.data) {
		copy(r.data, p[n-len(r.data):])
		r.pos = 0
		return n, nil
	}

	tail := len(r.data) - r.pos
	if n <= tail {
		copy(r.data[r.pos:], p)
	} else {
		copy(r.data[r.pos:], p[:tail])
		copy(r.data, p[tail:])
	}
	r.pos = (r.pos + n) % len(r.data)
	return n, nil
}

// Bytes returns the buffered tail in write order.
func (r *ringBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.written < uint64(len(r.data)) {
		out := make([]byte, r.pos)
		copy(out, r.data[:r.pos])
		return out
	}
	out := make([]byte, len(r.data))
	copy(out, r.data[r.pos:])
	copy(out[len(r.data)-r.pos:], r.data[:r.pos])
	return out
}

func (r *ringBuffer) String() string {
	return strings.TrimRight(string(r.Bytes()), "\n")
}
