// Package framebuf implements the append-only byte accumulator the AMI
// decoder extracts frames from.
package framebuf

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrCapacityExceeded is returned by Append when a chunk does not fit in the
// remaining capacity of the buffer.
var ErrCapacityExceeded = errors.New("framebuf: remaining capacity exceeded")

// Buffer is a fixed-capacity linear buffer with a read cursor.
//
// Bytes are appended at the write cursor and consumed from the read cursor.
// Compact moves the unread region back to the origin. Buffer is not safe for
// concurrent use.
type Buffer struct {
	buf   []byte
	start int
	end   int
}

// New allocates a Buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

// Append copies p after the buffered bytes. If p does not fit, nothing is
// written and ErrCapacityExceeded is returned; unread bytes are untouched.
func (b *Buffer) Append(p []byte) error {
	if len(p) > b.Available() {
		return fmt.Errorf("%w: chunk=%d available=%d", ErrCapacityExceeded, len(p), b.Available())
	}
	b.end += copy(b.buf[b.end:], p)
	return nil
}

// IndexOf returns the offset of pattern relative to the read cursor, or -1.
func (b *Buffer) IndexOf(pattern []byte) int {
	if b.end-b.start < len(pattern) {
		return -1
	}
	return bytes.Index(b.buf[b.start:b.end], pattern)
}

// Read returns the next n bytes and advances the read cursor. It returns
// false without consuming anything when fewer than n bytes are buffered.
// The returned slice aliases the buffer and is valid until the next Append,
// Compact or Reset.
func (b *Buffer) Read(n int) ([]byte, bool) {
	if n < 0 || n > b.Len() {
		return nil, false
	}
	p := b.buf[b.start : b.start+n]
	b.start += n
	return p, true
}

// Compact shifts the unread region to the buffer origin.
func (b *Buffer) Compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.start:b.end])
	b.start = 0
	b.end = n
}

// Reset discards everything buffered.
func (b *Buffer) Reset() {
	b.start = 0
	b.end = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.end - b.start }

// Cap returns the total capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Available returns how many bytes Append can still accept.
func (b *Buffer) Available() int { return len(b.buf) - b.end }

// String dumps the unread region with cursor positions, for error reports.
func (b *Buffer) String() string {
	return fmt.Sprintf("framebuf{start=%d end=%d data=%q}", b.start, b.end, b.buf[b.start:b.end])
}
