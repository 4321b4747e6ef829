// Package streambuf adapts a push-based byte producer to the pull-based
// demuxer: a fixed circular buffer with a protected seek-back window, so
// another goroutine can feed segment bytes while the demuxer reads and
// occasionally seeks backwards a short distance.
package streambuf

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Capacity is the fixed size of the circular buffer.
const Capacity = 8 * 1024 * 1024

// ProtectedBytes of already-read history are never evicted, so short
// seek-back requests from the demuxer always succeed.
const ProtectedBytes = 1024

// ErrorCode classifies producer-side failures pushed into the buffer.
type ErrorCode int

// Producer error codes.
const (
	ErrCodeOther ErrorCode = iota
	ErrCodeNoEntry
)

// ErrOutOfWindow is returned for seeks outside the retained byte range.
var ErrOutOfWindow = errors.New("seek target outside buffered window")

// errSizeUnknown is returned for end-relative seeks and size queries before
// end of stream has been signalled.
var errSizeUnknown = errors.New("stream size unknown before end of stream")

// Buffer is the thread-safe circular byte buffer. One producer goroutine
// calls PutBytes/EndOfStream/SetError; one consumer (the demuxer) calls
// Read/Seek/Size.
//
// Two counters describe the content instead of a single size: readBytes is
// data already delivered but retained for seek-back, unreadBytes is data
// pending delivery. index is the absolute stream position of the first
// retained byte, so the addressable window is
// [index, index+readBytes+unreadBytes].
type Buffer struct {
	mu      sync.Mutex
	condPut *sync.Cond // signalled when data is added or flags change
	condGet *sync.Cond // signalled when data is consumed

	data        []byte
	index       int64
	readBytes   int64
	unreadBytes int64

	eos     bool
	failed  bool
	errCode ErrorCode
}

// New allocates a Buffer.
func New() *Buffer {
	b := &Buffer{data: make([]byte, Capacity)}
	b.condPut = sync.NewCond(&b.mu)
	b.condGet = sync.NewCond(&b.mu)
	return b
}

// Reset returns the buffer to its initial empty state. Not safe to call
// concurrently with Read or PutBytes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index, b.readBytes, b.unreadBytes = 0, 0, 0
	b.eos, b.failed = false, false
	b.errCode = 0
}

// writable reports how many bytes can be accepted right now: everything that
// is neither pending delivery nor part of the protected history window.
func (b *Buffer) writable() int64 {
	return Capacity - b.unreadBytes - ProtectedBytes
}

func (b *Buffer) codeError() error {
	switch b.errCode {
	case ErrCodeNoEntry:
		return fmt.Errorf("stream input: %w", errors.New("no such entry"))
	default:
		return errors.New("stream input error")
	}
}

// Read blocks until bytes are available or end of stream. Under EOS with no
// pending bytes it returns io.EOF; a producer error is converted and
// returned. Implements io.Reader toward the demuxer.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed {
		return 0, b.codeError()
	}
	for !b.eos && b.unreadBytes == 0 {
		b.condPut.Wait()
	}
	if b.failed {
		return 0, b.codeError()
	}
	if b.eos && b.unreadBytes == 0 {
		return 0, io.EOF
	}

	toRead := int64(len(p))
	if toRead > b.unreadBytes {
		toRead = b.unreadBytes
	}
	endOffset := (b.index + b.readBytes) % Capacity
	trailing := Capacity - endOffset
	first := toRead
	if trailing < first {
		first = trailing
	}
	copy(p, b.data[endOffset:endOffset+first])
	copy(p[first:], b.data[:toRead-first])

	b.readBytes += toRead
	b.unreadBytes -= toRead
	b.condGet.Signal()
	return int(toRead), nil
}

// seekTo moves the delivery point to absolute position pos if it lies inside
// the retained window.
func (b *Buffer) seekTo(pos int64) (int64, error) {
	available := b.readBytes + b.unreadBytes
	delta := pos - b.index
	if delta < 0 || delta > available {
		return 0, ErrOutOfWindow
	}
	b.readBytes = delta
	b.unreadBytes = available - delta
	return pos, nil
}

// Seek implements io.Seeker toward the demuxer. End-relative seeks are only
// possible once end of stream has been signalled (before that the total size
// is unknowable). Any target outside the retained window fails.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed {
		return 0, b.codeError()
	}
	var pos int64
	var err error
	switch whence {
	case io.SeekStart:
		pos, err = b.seekTo(offset)
	case io.SeekCurrent:
		pos, err = b.seekTo(b.index + b.readBytes + offset)
	case io.SeekEnd:
		if !b.eos {
			return 0, errSizeUnknown
		}
		pos, err = b.seekTo(b.index + b.readBytes + b.unreadBytes + offset)
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	b.condGet.Signal()
	return pos, err
}

// Size reports the total stream size. Only answerable after end of stream.
func (b *Buffer) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.eos {
		return 0, errSizeUnknown
	}
	return b.index + b.readBytes + b.unreadBytes, nil
}

// PutBytes appends bytes for delivery, blocking while the buffer has no
// writable capacity. Every accepted byte is eventually deliverable; old
// already-read history beyond the protected window is evicted to make room.
func (b *Buffer) PutBytes(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(p) > 0 {
		for b.writable() == 0 && !b.failed {
			b.condGet.Wait()
		}
		if b.failed {
			return
		}
		n := b.writable()
		if int64(len(p)) < n {
			n = int64(len(p))
		}
		end := b.index + b.readBytes + b.unreadBytes
		endOffset := end % Capacity
		trailing := Capacity - endOffset
		first := n
		if trailing < first {
			first = trailing
		}
		copy(b.data[endOffset:], p[:first])
		copy(b.data, p[first:n])
		b.unreadBytes += n

		// Evict oldest read history if the content no longer fits.
		deficit := Capacity - b.readBytes - b.unreadBytes
		if deficit < 0 {
			b.index -= deficit
			b.readBytes += deficit
		}
		p = p[n:]
		b.condPut.Signal()
	}
}

// EndOfStream marks that no further bytes will arrive and wakes the reader.
func (b *Buffer) EndOfStream() {
	b.mu.Lock()
	b.eos = true
	b.mu.Unlock()
	b.condPut.Signal()
}

// SetError marks the stream as failed. The reader's current or next call
// returns the converted error; a blocked producer is released.
func (b *Buffer) SetError(code ErrorCode) {
	b.mu.Lock()
	b.eos = true
	b.failed = true
	b.errCode = code
	b.mu.Unlock()
	b.condPut.Signal()
	b.condGet.Signal()
}
