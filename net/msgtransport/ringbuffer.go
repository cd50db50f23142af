package msgtransport

// ringBuffer is a fixed-capacity byte FIFO. It is not safe for concurrent use;
// callers hold the owning direction's mutex, except that the slice returned by
// firstReadSlice/firstWriteSlice may be used unlocked by the single consumer or
// producer goroutine until the matching commit.
type ringBuffer struct {
	data  []byte
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:  make([]byte, capacity),
		start: 0,
		size:  0,
	}
}

func (r *ringBuffer) capacity() int { return len(r.data) }
func (r *ringBuffer) len() int      { return r.size }
func (r *ringBuffer) free() int     { return len(r.data) - r.size }
func (r *ringBuffer) empty() bool   { return r.size == 0 }
func (r *ringBuffer) full() bool    { return r.size == len(r.data) }

// write appends as much of p as fits and returns the count.
func (r *ringBuffer) write(p []byte) int {
	written := 0
	for written < len(p) && !r.full() {
		chunk := r.firstWriteSlice()
		n := copy(chunk, p[written:])
		r.commitWrite(n)
		written += n
	}
	return written
}

// read moves up to len(p) bytes out of the buffer.
func (r *ringBuffer) read(p []byte) int {
	read := 0
	for read < len(p) && !r.empty() {
		chunk := r.firstReadSlice()
		n := copy(p[read:], chunk)
		r.commitRead(n)
		read += n
	}
	return read
}

func (r *ringBuffer) popByte() byte {
	b := r.data[r.start]
	r.commitRead(1)
	return b
}

func (r *ringBuffer) discard(n int) {
	if n > r.size {
		n = r.size
	}
	r.commitRead(n)
}

// firstReadSlice returns the contiguous readable bytes starting at the head.
func (r *ringBuffer) firstReadSlice() []byte {
	end := r.start + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	return r.data[r.start:end]
}

func (r *ringBuffer) commitRead(n int) {
	r.start = (r.start + n) % len(r.data)
	r.size -= n
}

// firstWriteSlice returns the contiguous free bytes following the tail.
func (r *ringBuffer) firstWriteSlice() []byte {
	if r.full() {
		return r.data[:0]
	}
	tail := (r.start + r.size) % len(r.data)
	end := len(r.data)
	if tail < r.start {
		end = r.start
	}
	return r.data[tail:end]
}

func (r *ringBuffer) commitWrite(n int) {
	r.size += n
}
