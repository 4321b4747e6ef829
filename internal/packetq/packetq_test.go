package packetq

import (
	"testing"
	"time"
)

func TestStagingFlagAssignment(t *testing.T) {
	q := New()
	w := NewWriteContext(q, 3)

	w.Write([]byte("chunk0"))
	w.Write([]byte("chunk1"))
	w.Write([]byte("chunk2"))
	w.PushStaging(PacketOutput|EndOfOutput, 9000)

	var got []*Packet
	for i := 0; i < 3; i++ {
		p := q.PeekFront()
		got = append(got, p)
		q.PopFront()
	}

	for i, p := range got[:2] {
		if p.Flags != PacketOutput {
			t.Errorf("packet %d flags = %v, want PacketOutput only", i, p.Flags)
		}
	}
	if got[2].Flags != PacketOutput|EndOfOutput {
		t.Errorf("last packet flags = %v, want PacketOutput|EndOfOutput", got[2].Flags)
	}
	for i, p := range got {
		if p.Index != 3 {
			t.Errorf("packet %d index = %d, want 3", i, p.Index)
		}
		if p.Timestamp != 9000 {
			t.Errorf("packet %d timestamp = %d", i, p.Timestamp)
		}
	}
}

func TestPushStagingEmptyIsNoop(t *testing.T) {
	q := New()
	w := NewWriteContext(q, 0)
	w.PushStaging(EndOfOutput, -1)
	q.PushEnd()
	p := q.PeekFront()
	if p.Flags != EndOfAllOutputs {
		t.Errorf("expected only the end marker, got flags %v", p.Flags)
	}
}

func TestPushEndMarker(t *testing.T) {
	q := New()
	q.PushEnd()
	p := q.PeekFront()
	if p.Flags != EndOfAllOutputs || p.Timestamp != -1 || len(p.Data) != 0 {
		t.Errorf("bad end marker: %+v", p)
	}
}

func TestPeekBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan *Packet)
	go func() {
		done <- q.PeekFront()
	}()
	time.Sleep(10 * time.Millisecond)
	w := NewWriteContext(q, 1)
	w.Write([]byte("data"))
	w.PushStaging(BeginOfOutput, -1)
	select {
	case p := <-done:
		if p.Flags != BeginOfOutput {
			t.Errorf("flags = %v", p.Flags)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke up")
	}
}

func TestInterleavedOutputsKeepIdentity(t *testing.T) {
	q := New()
	w0 := NewWriteContext(q, 0)
	w1 := NewWriteContext(q, 1)

	w0.Write([]byte("a"))
	w0.PushStaging(PacketOutput, 1)
	w1.Write([]byte("b"))
	w1.PushStaging(PacketOutput, 2)
	w0.Write([]byte("c"))
	w0.PushStaging(PacketOutput|EndOfOutput, 3)

	wantIndex := []int{0, 1, 0}
	for i, want := range wantIndex {
		p := q.PeekFront()
		if p.Index != want {
			t.Errorf("packet %d index = %d, want %d", i, p.Index, want)
		}
		q.PopFront()
	}
}

func TestFlagSequencePerOutput(t *testing.T) {
	q := New()
	w := NewWriteContext(q, 0)

	// header
	w.Write([]byte("hdr"))
	w.PushStaging(BeginOfOutput, -1)
	// two data packets
	w.Write([]byte("d0"))
	w.PushStaging(PacketOutput, 0)
	w.Write([]byte("d1"))
	w.PushStaging(PacketOutput, 3000)
	// trailer
	w.Write([]byte("trl"))
	w.PushStaging(EndOfOutput, -1)
	q.PushEnd()

	want := []Flags{BeginOfOutput, PacketOutput, PacketOutput, EndOfOutput, EndOfAllOutputs}
	for i, wf := range want {
		p := q.PeekFront()
		if p.Flags != wf {
			t.Errorf("packet %d flags = %v, want %v", i, p.Flags, wf)
		}
		q.PopFront()
	}
}
