package cache

import (
	"errors"
	"fmt"
	"io"
)

// Tee duplicates a byte stream as it is read: every Read is first satisfied
// from the source, then the exact bytes obtained are written to the sink
// before being returned to the caller. When the source reports EOF, the
// completion callback fires exactly once; if it returns an error, that
// error is returned to the reader in place of io.EOF so a failed finalize
// cannot be mistaken for a clean end of stream.
//
// This is what makes cache-as-you-deliver work: the consumer never waits
// for a separate caching pass, the cache never buffers a whole body, and
// the entry only becomes durable once the consumer has read everything.
// Tee is read-side only; it does not implement io.Writer.
type Tee struct {
	src    io.ReadCloser
	sink   io.WriteCloser
	onDone func() error
	done   bool
}

// NewTee wraps src so that everything read from it is also written to sink.
// onDone runs once when src is exhausted; it may be nil.
func NewTee(src io.ReadCloser, sink io.WriteCloser, onDone func() error) *Tee {
	return &Tee{src: src, sink: sink, onDone: onDone}
}

func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		if _, werr := t.sink.Write(p[:n]); werr != nil {
			return n, fmt.Errorf("tee to sink: %w", werr)
		}
	}
	if errors.Is(err, io.EOF) && !t.done {
		t.done = true
		if t.onDone != nil {
			if derr := t.onDone(); derr != nil {
				return n, derr
			}
		}
	}
	return n, err
}

// Close closes both the source and the sink. Both are attempted; the first
// error wins.
func (t *Tee) Close() error {
	serr := t.src.Close()
	werr := t.sink.Close()
	if serr != nil {
		return serr
	}
	return werr
}
