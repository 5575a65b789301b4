package encode

import "sync"

// stderrRingSize bounds how much encoder stderr is retained for
// diagnostics. Only the tail matters; the encoder front-loads banner
// noise and puts the actual error last.
const stderrRingSize = 8192

// stderrRing is an io.Writer that keeps the last stderrRingSize bytes
// written to it.
type stderrRing struct {
	mu   sync.Mutex
	buf  []byte
	full bool
	pos  int
}

func newStderrRing() *stderrRing {
	return &stderrRing{buf: make([]byte, stderrRingSize)}
}

func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.pos = 0
		r.full = true
		return n, nil
	}
	written := copy(r.buf[r.pos:], p)
	if written < n {
		copy(r.buf, p[written:])
		r.full = true
	}
	r.pos = (r.pos + n) % len(r.buf)
	if r.pos == 0 && written == n {
		r.full = true
	}
	return n, nil
}

// Tail returns the retained bytes in write order.
func (r *stderrRing) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.buf[:r.pos])
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return string(out)
}
