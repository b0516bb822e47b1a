package capture

// Ring is a fixed-capacity circular buffer of float32 samples. Writes advance
// modulo capacity and silently overwrite the oldest samples once full.
//
// Ring is not safe for concurrent use; [Engine] guards it with a mutex.
type Ring struct {
	buf    []float32
	pos    int // next write index
	filled bool
}

// NewRing returns a Ring holding at most capacity samples. A non-positive
// capacity yields a ring that retains nothing.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]float32, max(capacity, 0))}
}

// Cap returns the ring capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of retained samples.
func (r *Ring) Len() int {
	if r.filled {
		return len(r.buf)
	}
	return r.pos
}

// Write appends samples, overwriting the oldest when the ring is full. When
// len(samples) exceeds the capacity only the newest Cap() samples are kept.
func (r *Ring) Write(samples []float32) {
	n := len(r.buf)
	if n == 0 || len(samples) == 0 {
		return
	}
	if len(samples) >= n {
		copy(r.buf, samples[len(samples)-n:])
		r.pos = 0
		r.filled = true
		return
	}

	k := copy(r.buf[r.pos:], samples)
	if k < len(samples) {
		copy(r.buf, samples[k:])
		r.filled = true
	}
	r.pos = (r.pos + len(samples)) % n
	if r.pos == 0 {
		r.filled = true
	}
}

// Snapshot returns a fresh copy of the retained samples ordered oldest first.
func (r *Ring) Snapshot() []float32 {
	if !r.filled {
		out := make([]float32, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]float32, len(r.buf))
	k := copy(out, r.buf[r.pos:])
	copy(out[k:], r.buf[:r.pos])
	return out
}

// Reset discards all retained samples without releasing the backing array.
func (r *Ring) Reset() {
	r.pos = 0
	r.filled = false
}
