package livestream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

const sinkBufferSize = 1 << 20

// Sink appends segment bytes to the output stream. Every Emit is flushed
// before it returns; bytes handed to the sink are never rolled back.
type Sink struct {
	mu  sync.Mutex
	out *countingWriter
	w   *bufio.Writer
}

// countingWriter counts the bytes the underlying writer accepted.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewSink wraps w, usually os.Stdout.
func NewSink(w io.Writer) *Sink {
	out := &countingWriter{w: w}
	return &Sink{out: out, w: bufio.NewWriterSize(out, sinkBufferSize)}
}

// Emit copies r to the output and flushes. The returned count is the number
// of bytes that reached the underlying writer.
func (s *Sink) Emit(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.out.n
	_, err := io.Copy(s.w, r)
	if err == nil {
		err = s.w.Flush()
	}
	if err != nil {
		// bufio keeps the first error forever; start over for the next segment.
		s.w.Reset(s.out)
		return s.out.n - before, wrapSinkErr(err)
	}
	return s.out.n - before, nil
}

// EmitFile emits the contents of the file at path.
func (s *Sink) EmitFile(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return s.Emit(f)
}

// Written returns the total number of bytes the output accepted.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.n
}

func wrapSinkErr(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return fmt.Errorf("writing output: %w", err)
}
