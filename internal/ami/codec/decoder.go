// Package codec turns the AMI byte stream into frames of ordered key/value
// pairs.
//
// A frame is a run of "Key: Value" lines separated by CRLF and terminated by
// an empty line. The Decoder accumulates chunks in a framebuf.Buffer, cuts
// every complete frame out of it and hands a read-only view of the decoded
// pairs to its Listener. The view is backed by a fixed arena that is reused
// for every frame, so listeners must copy whatever they keep.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gaspardpetit/amilink/internal/ami/framebuf"
)

var (
	// ErrTooManyFields is returned when a frame carries more pairs than
	// Limits.MaxFields.
	ErrTooManyFields = errors.New("codec: too many fields in frame")

	// ErrFieldTooLong is returned when a key or a value is longer than
	// Limits.MaxFieldLen.
	ErrFieldTooLong = errors.New("codec: field too long")
)

var (
	frameTerminator = []byte("\r\n\r\n")
	lineSeparator   = []byte("\r\n")
)

const keyValueSeparator = ':'

// Limits bounds the memory used by a Decoder.
type Limits struct {
	// BufferSize is the capacity of the input buffer in bytes.
	BufferSize int
	// MaxFields is the maximum number of key/value pairs per frame.
	MaxFields int
	// MaxFieldLen is the maximum length of a single key or value.
	MaxFieldLen int
}

// DefaultLimits returns 1 MiB of input buffer and 100 fields of 256 bytes.
func DefaultLimits() Limits {
	return Limits{
		BufferSize:  1 << 20,
		MaxFields:   100,
		MaxFieldLen: 256,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.BufferSize <= 0 {
		l.BufferSize = d.BufferSize
	}
	if l.MaxFields <= 0 {
		l.MaxFields = d.MaxFields
	}
	if l.MaxFieldLen <= 0 {
		l.MaxFieldLen = d.MaxFieldLen
	}
	return l
}

// Reader is a read-only view over the most recently decoded frame.
type Reader interface {
	KeyCount() int
	Key(pos int) []byte
	Value(pos int) []byte
	Index() *ColumnIndex
}

// Listener receives every decoded frame synchronously.
type Listener interface {
	OnFrame(r Reader)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(r Reader)

// OnFrame calls f(r).
func (f ListenerFunc) OnFrame(r Reader) { f(r) }

// Lookup returns the value of a well-known field in r.
func Lookup(r Reader, f Field) ([]byte, bool) {
	pos, ok := r.Index().Lookup(f)
	if !ok {
		return nil, false
	}
	return r.Value(pos), true
}

// Decoder extracts frames from an AMI byte stream. Append, Reset and the
// Listener run on a single goroutine; the counters may be read from any.
type Decoder struct {
	limits   Limits
	buf      *framebuf.Buffer
	arena    *arena
	index    ColumnIndex
	listener Listener

	byteCount  atomic.Uint64
	frameCount atomic.Uint64
}

// New creates a Decoder delivering frames to l.
func New(limits Limits, l Listener) *Decoder {
	limits = limits.withDefaults()
	d := &Decoder{
		limits:   limits,
		buf:      framebuf.New(limits.BufferSize),
		arena:    newArena(limits.MaxFields, limits.MaxFieldLen),
		listener: l,
	}
	d.index.clear()
	return d
}

// Append feeds a chunk of the stream. Every complete frame is decoded and
// delivered before Append returns. An error means the stream can no longer be
// trusted and the connection should be reset.
func (d *Decoder) Append(chunk []byte) error {
	if err := d.buf.Append(chunk); err != nil {
		return err
	}
	d.byteCount.Add(uint64(len(chunk)))

	for {
		idx := d.buf.IndexOf(frameTerminator)
		if idx < 0 {
			break
		}
		n := idx + len(frameTerminator)
		raw, ok := d.buf.Read(n)
		if !ok {
			return fmt.Errorf("codec: read %d bytes from %s", n, d.buf)
		}
		if err := d.decode(raw[:idx]); err != nil {
			return err
		}
		// frames without pairs are neither responses nor events
		if d.arena.count == 0 {
			continue
		}
		d.frameCount.Add(1)
		if d.listener != nil {
			d.listener.OnFrame(d)
		}
	}

	d.buf.Compact()
	return nil
}

// decode splits one frame body into the arena and rebuilds the index.
func (d *Decoder) decode(data []byte) error {
	d.arena.reset()
	d.index.clear()

	for len(data) > 0 {
		line, rest, _ := bytes.Cut(data, lineSeparator)
		data = rest

		sep := bytes.IndexByte(line, keyValueSeparator)
		if sep < 0 {
			continue
		}
		key := line[:sep]
		value := line[sep+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}

		if d.arena.full() {
			return fmt.Errorf("%w: limit %d", ErrTooManyFields, d.limits.MaxFields)
		}
		if len(key) > d.limits.MaxFieldLen || len(value) > d.limits.MaxFieldLen {
			return fmt.Errorf("%w: key %q has %d/%d bytes, limit %d",
				ErrFieldTooLong, truncate(key, 32), len(key), len(value), d.limits.MaxFieldLen)
		}

		pos := d.arena.add(key, value)
		if f, ok := lookupField(key); ok {
			d.index.set(f, pos)
		}
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// Reset drops buffered bytes and the current frame. It is called before
// every connection attempt.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.arena.reset()
	d.index.clear()
}

// KeyCount returns the number of pairs in the current frame.
func (d *Decoder) KeyCount() int { return d.arena.count }

// Key returns the key at pos in the current frame.
func (d *Decoder) Key(pos int) []byte { return d.arena.key(pos) }

// Value returns the value at pos in the current frame.
func (d *Decoder) Value(pos int) []byte { return d.arena.value(pos) }

// Index returns the column index of the current frame.
func (d *Decoder) Index() *ColumnIndex { return &d.index }

// ByteCount returns the number of bytes appended since the last reset of
// the counter.
func (d *Decoder) ByteCount() uint64 { return d.byteCount.Load() }

// FrameCount returns the number of frames decoded since the last reset of
// the counter.
func (d *Decoder) FrameCount() uint64 { return d.frameCount.Load() }

// ResetByteCount zeroes the byte counter.
func (d *Decoder) ResetByteCount() { d.byteCount.Store(0) }

// ResetFrameCount zeroes the frame counter.
func (d *Decoder) ResetFrameCount() { d.frameCount.Store(0) }

var _ Reader = (*Decoder)(nil)
