// Package fifo provides a small auto-growing queue of demux/decode results.
// It exists to defer filter-graph initialisation until a hardware decoder
// has settled on its output format: early packets and frames are parked here
// and replayed once the format is known.
package fifo

import "github.com/jmylchreest/recoder/internal/av"

// Item is one staged demux/decode step: the packet that was read, the frame
// it decoded into (if any), and the decoder's verdict for the step.
type Item struct {
	Pkt     *av.Packet
	Frame   *av.Frame
	Verdict error
}

// Queue is an unbounded FIFO of Items. Not safe for concurrent use; the
// transcode loop is its only client.
type Queue struct {
	items []Item
	head  int
}

// initialCapacity matches the typical decoder settle window.
const initialCapacity = 8

// New allocates a Queue.
func New() *Queue {
	return &Queue{items: make([]Item, 0, initialCapacity)}
}

// Len reports the number of staged items.
func (q *Queue) Len() int {
	return len(q.items) - q.head
}

// Write stages one step, cloning the packet and frame so the caller may
// reuse its storage.
func (q *Queue) Write(pkt *av.Packet, frame *av.Frame, verdict error) {
	item := Item{Verdict: verdict}
	if pkt != nil {
		item.Pkt = pkt.Clone()
	}
	if frame != nil {
		item.Frame = frame.Clone()
	}
	q.items = append(q.items, item)
}

// Read removes and returns the oldest staged item. ok is false when empty.
func (q *Queue) Read() (Item, bool) {
	if q.head >= len(q.items) {
		return Item{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = Item{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}

// Drain discards all staged items.
func (q *Queue) Drain() {
	q.items = q.items[:0]
	q.head = 0
}
