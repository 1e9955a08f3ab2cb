package flash

// ErasedByte is what erased flash reads back as.
const ErasedByte = 0xFF

// Buffer accumulates one erase block worth of data. It never grows past
// the capacity it was created with.
type Buffer struct {
	b []byte
	n int
}

// NewBuffer returns a buffer of eraseSize rounded down to a multiple of minIO.
func NewBuffer(eraseSize, minIO int) *Buffer {
	c := eraseSize
	if minIO > 0 {
		c = eraseSize / minIO * minIO
	}
	return &Buffer{b: make([]byte, c)}
}

// Append copies as much of p as fits and returns the number of bytes taken.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.b[b.n:], p)
	b.n += n
	return n
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.b) }

// Full reports whether no more bytes fit.
func (b *Buffer) Full() bool { return b.n == len(b.b) }

// Bytes returns the valid region. It aliases the buffer until the next Reset.
func (b *Buffer) Bytes() []byte { return b.b[:b.n] }

// Reset discards the contents.
func (b *Buffer) Reset() { b.n = 0 }

// Pad fills with v up to the next multiple of align.
func (b *Buffer) Pad(align int, v byte) {
	if align <= 0 {
		return
	}
	rem := b.n % align
	if rem == 0 {
		return
	}
	end := b.n + align - rem
	if end > len(b.b) {
		end = len(b.b)
	}
	for i := b.n; i < end; i++ {
		b.b[i] = v
	}
	b.n = end
}

// Filled reports whether every valid byte equals v. An empty buffer is not filled.
func (b *Buffer) Filled(v byte) bool {
	if b.n == 0 {
		return false
	}
	for _, c := range b.b[:b.n] {
		if c != v {
			return false
		}
	}
	return true
}
