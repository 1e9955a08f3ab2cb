package flash

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the read size used when streaming an image.
const DefaultChunkSize = 16 << 10

// ChunkFunc consumes image data. It is called with successive chunks and
// exactly once more with an empty slice when the stream ends. Returning an
// error aborts the stream.
type ChunkFunc func(p []byte) error

// Copier pushes an image from a reader into a ChunkFunc.
type Copier struct {
	ChunkSize int
	// Progress, if set, is called after every chunk with bytes done and the
	// expected total (negative when unknown).
	Progress func(done, total int64)
}

// CopyImage streams size bytes of r into fn with the default chunk size.
// A negative size reads until EOF.
func CopyImage(r io.Reader, size int64, fn ChunkFunc) error {
	return Copier{}.Copy(r, size, fn)
}

// Copy streams size bytes of r into fn. A negative size reads until EOF.
func (c Copier) Copy(r io.Reader, size int64, fn ChunkFunc) error {
	chunk := c.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if size >= 0 && int64(chunk) > size && size > 0 {
		chunk = int(size)
	}
	buf := make([]byte, chunk)

	var done int64
	for size < 0 || done < size {
		want := len(buf)
		if size >= 0 && size-done < int64(want) {
			want = int(size - done)
		}
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
			done += int64(n)
			if c.Progress != nil {
				c.Progress(done, size)
			}
		}
		if err != nil {
			if size < 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				break
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read image after %d of %d bytes: %w", done, size, err)
		}
	}
	return fn(nil)
}
