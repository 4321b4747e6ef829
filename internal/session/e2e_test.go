package session

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/av/avtest"
	"github.com/jmylchreest/recoder/internal/packetq"
	"github.com/jmylchreest/recoder/internal/streambuf"
)

// byteDemuxer drains the session's push buffer and exposes the bytes as a
// sequence of fixed-size copy packets, so the full push-in/pull-out path is
// exercised end to end.
func byteDemuxer(cfg av.DemuxerConfig) (av.Demuxer, error) {
	data, err := io.ReadAll(cfg.Input)
	if err != nil {
		return nil, err
	}
	const chunk = 64 * 1024
	var pkts []av.Packet
	for off, i := 0, 0; off < len(data); off, i = off+chunk, i+1 {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		pkts = append(pkts, av.Packet{
			StreamIndex: 0,
			PTS:         int64(i) * 3000,
			DTS:         int64(i) * 3000,
			Duration:    3000,
			Key:         i == 0,
			TimeBase:    videoTB,
			Data:        data[off:end],
		})
	}
	return &avtest.Demuxer{
		StreamList: []av.StreamInfo{videoStream()},
		Packets:    pkts,
	}, nil
}

func TestByteStreamingEndToEnd(t *testing.T) {
	lib := &avtest.Library{OpenDemuxerFn: byteDemuxer}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	s.PushReset(true)

	// The pushed stream exceeds the buffer capacity and includes one block
	// larger than the protected history window.
	src := make([]byte, streambuf.Capacity+2*1024*1024)
	for i := range src {
		src[i] = byte(i * 7)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		const chunk = 64 * 1024
		off := 0
		for ; off < 1024*1024; off += chunk {
			s.PushBytes(src[off : off+chunk])
		}
		// One oversized block.
		s.PushBytes(src[off:])
		s.PushEOF()
	}()

	type received struct {
		flags packetq.Flags
		data  []byte
		index int
	}
	var consumed []received
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			p := s.PeekPacket()
			consumed = append(consumed, received{p.Flags, append([]byte(nil), p.Data...), p.Index})
			isEnd := p.Flags&packetq.EndOfAllOutputs != 0
			s.PopPacket()
			if isEnd {
				return
			}
		}
	}()

	out := OutputDesc{
		Muxer: ComponentOpts{Name: "mpegts"},
		Video: ComponentOpts{Name: "copy"},
		Audio: ComponentOpts{Name: "drop"},
	}
	_, _, err := s.Transcode(InputDesc{}, []OutputDesc{out})
	require.NoError(t, err)
	wg.Wait()

	require.NotEmpty(t, consumed)

	// Flags follow BEGIN (PACKET)* END, then the single session end marker.
	require.Equal(t, packetq.BeginOfOutput, consumed[0].flags, "first packet must be the header")
	endMarkers := 0
	for _, r := range consumed {
		if r.flags&packetq.EndOfAllOutputs != 0 {
			endMarkers++
		}
	}
	assert.Equal(t, 1, endMarkers, "exactly one end-of-all-outputs marker")
	assert.Equal(t, packetq.EndOfAllOutputs, consumed[len(consumed)-1].flags)
	assert.Equal(t, packetq.EndOfOutput, consumed[len(consumed)-2].flags, "trailer precedes the end marker")

	// Every pushed byte came out exactly once, in order, through the muxer.
	var muxed bytes.Buffer
	for _, r := range consumed {
		if r.flags == packetq.PacketOutput {
			muxed.Write(r.data)
		}
	}
	require.Equal(t, len(src), muxed.Len(), "all pushed bytes delivered")
	assert.True(t, bytes.Equal(src, muxed.Bytes()), "byte stream delivered in order")
}

func TestPushErrorAbortsSegment(t *testing.T) {
	lib := &avtest.Library{OpenDemuxerFn: byteDemuxer}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	s.PushReset(true)
	go func() {
		s.PushBytes([]byte("some bytes"))
		s.PushError(streambuf.ErrCodeNoEntry)
	}()

	out := OutputDesc{
		Muxer: ComponentOpts{Name: "mpegts"},
		Video: ComponentOpts{Name: "copy"},
		Audio: ComponentOpts{Name: "drop"},
	}
	_, _, err := s.Transcode(InputDesc{}, []OutputDesc{out})
	require.Error(t, err, "producer error must abort the segment")

	// The end marker is still emitted so the consumer can terminate.
	p := s.PeekPacket()
	for p.Flags&packetq.EndOfAllOutputs == 0 {
		s.PopPacket()
		p = s.PeekPacket()
	}
}

func TestTwoOutputLadderProducesEqualFrameCounts(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{newDemuxer(60, 0, 0, 0)}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	hi := OutputDesc{
		FileName: "720.ts",
		VFilters: "fps=30/1,scale=w=1280:h=720",
		FPS:      av.NewRational(30, 1),
		Muxer:    ComponentOpts{Name: "mpegts"},
		Video:    ComponentOpts{Name: "h264_nvenc"},
		Audio:    ComponentOpts{Name: "drop"},
	}
	lo := hi
	lo.FileName = "360.ts"
	lo.VFilters = "fps=30/1,scale=w=640:h=360"

	_, results, err := s.Transcode(InputDesc{FileName: "seg.ts"}, []OutputDesc{hi, lo})
	require.NoError(t, err)
	require.Len(t, lib.Encoders, 2)

	assert.Equal(t, results[0].Frames, results[1].Frames, "ladder outputs must have equal frame counts")
	require.NotEmpty(t, lib.Encoders[0].Frames)
	assert.Equal(t, av.PictureI, lib.Encoders[0].Frames[0].Pict, "output 0 begins with an I-frame")
	assert.Equal(t, av.PictureI, lib.Encoders[1].Frames[0].Pict, "output 1 begins with an I-frame")

	assert.Equal(t, 1280, lib.Encoders[0].StreamInfo().Width)
	assert.Equal(t, 640, lib.Encoders[1].StreamInfo().Width)
}
