// Package packetq carries muxed output bytes from the transcode loop to an
// external consumer. A muxer produces bytes in chunks of unknown size; the
// consumer wants packets tagged with the producing output's index and
// position flags. Because a chunk's position is only known once the producer
// finishes a mux operation, chunks are first staged per output and then
// pushed as a group with flags resolved.
package packetq

import "sync"

// Flags label a packet's position in one output's logical stream.
type Flags uint8

// Packet position flags.
const (
	// BeginOfOutput marks packets written before the first data packet:
	// container headers. Their timestamp is -1.
	BeginOfOutput Flags = 1 << iota
	// PacketOutput marks a data packet with a valid timestamp.
	PacketOutput
	// EndOfOutput marks the final packet of one output for the segment:
	// trailers, timestamp -1.
	EndOfOutput
	// EndOfAllOutputs marks the very last packet of the session; it carries
	// no data.
	EndOfAllOutputs
)

// Packet is one chunk of muxed bytes plus routing metadata.
type Packet struct {
	Data      []byte
	Index     int
	Flags     Flags
	Timestamp int64

	next *Packet
}

// Queue is a thread-safe FIFO of packets. The transcode loop pushes, one
// consumer goroutine peeks and pops.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	front *Packet
	back  *Packet
}

// New allocates a Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Reset drops all queued packets. Not safe to call concurrently with a
// blocked consumer.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.front, q.back = nil, nil
}

// PeekFront blocks until a packet is available and returns it without
// removing it. The packet remains owned by the queue until PopFront.
func (q *Queue) PeekFront() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.front == nil {
		q.cond.Wait()
	}
	return q.front
}

// PopFront blocks until a packet is available and removes it.
func (q *Queue) PopFront() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.front == nil {
		q.cond.Wait()
	}
	q.front = q.front.next
	if q.front == nil {
		q.back = nil
	}
}

// PushEnd appends the session-terminating marker: an empty packet flagged
// EndOfAllOutputs with timestamp -1.
func (q *Queue) PushEnd() {
	p := &Packet{Timestamp: -1, Flags: EndOfAllOutputs}
	q.mu.Lock()
	if q.back != nil {
		q.back.next = p
		q.back = p
	} else {
		q.front, q.back = p, p
	}
	q.mu.Unlock()
	q.cond.Signal()
}

// WriteContext is the producer side for one output. It implements io.Writer
// so a muxer can emit bytes directly into the staging list; PushStaging then
// publishes the staged chunks with the right flags.
type WriteContext struct {
	queue *Queue
	// Index tags every staged packet with the owning output's position.
	Index int

	stagingFront *Packet
	stagingBack  *Packet
}

// NewWriteContext binds a staging area for output index to q.
func NewWriteContext(q *Queue, index int) *WriteContext {
	return &WriteContext{queue: q, Index: index}
}

// Write stages one chunk of muxed bytes. The chunk cannot be queued yet:
// EndOfOutput is only decidable once the producer finishes the surrounding
// mux operation. Never fails; implements io.Writer.
func (w *WriteContext) Write(p []byte) (int, error) {
	pkt := &Packet{
		Data:  make([]byte, len(p)),
		Index: w.Index,
	}
	copy(pkt.Data, p)
	if w.stagingBack != nil {
		w.stagingBack.next = pkt
		w.stagingBack = pkt
	} else {
		w.stagingFront, w.stagingBack = pkt, pkt
	}
	return len(p), nil
}

// PushStaging publishes the staged chunks as one group. flags apply verbatim
// to the last staged packet only; earlier packets get flags with EndOfOutput
// masked off, since only the final chunk of a group can end the output.
// timestamp is applied to every packet in the group.
func (w *WriteContext) PushStaging(flags Flags, timestamp int64) {
	if w.stagingFront == nil {
		return
	}
	safe := flags &^ EndOfOutput
	for p := w.stagingFront; p != nil; p = p.next {
		if p.next != nil {
			p.Flags = safe
		} else {
			p.Flags = flags
		}
		p.Timestamp = timestamp
	}

	q := w.queue
	q.mu.Lock()
	if q.back != nil {
		q.back.next = w.stagingFront
		q.back = w.stagingBack
	} else {
		q.front = w.stagingFront
		q.back = w.stagingBack
	}
	w.stagingFront, w.stagingBack = nil, nil
	q.mu.Unlock()
	q.cond.Signal()
}
