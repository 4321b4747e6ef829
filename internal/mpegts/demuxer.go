// Package mpegts implements the transport-stream half of the codec-library
// boundary: a pull-based TS demuxer and a TS muxer. Decoding, encoding, and
// filtering are not provided here; a full codec backend supplies those.
package mpegts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/recoder/internal/av"
)

// tsTimeBase is the 90 kHz transport-stream clock.
var tsTimeBase = av.NewRational(1, 90000)

// Demuxer pulls PES packets out of an MPEG-TS byte stream.
type Demuxer struct {
	ctx    context.Context
	cancel context.CancelFunc
	dmx    *astits.Demuxer
	closer io.Closer

	streams []av.StreamInfo
	pidToIx map[uint16]int

	// pending holds packets read ahead of the caller during probing.
	pending []av.Packet
}

var _ av.Demuxer = (*Demuxer)(nil)

// NewDemuxer probes r until the program map is found and stream descriptors
// can be built. closer, when non-nil, is closed together with the demuxer.
func NewDemuxer(r io.Reader, closer io.Closer) (*Demuxer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Demuxer{
		ctx:     ctx,
		cancel:  cancel,
		dmx:     astits.NewDemuxer(ctx, bufio.NewReader(r)),
		closer:  closer,
		pidToIx: make(map[uint16]int),
	}
	if err := d.probe(); err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

// codecForStreamType maps TS stream types onto codec names and kinds.
func codecForStreamType(t astits.StreamType) (string, av.Kind) {
	switch t {
	case astits.StreamTypeH264Video:
		return "h264", av.KindVideo
	case astits.StreamTypeH265Video:
		return "h265", av.KindVideo
	case astits.StreamTypeMPEG2Video, astits.StreamTypeMPEG1Video:
		return "mpeg2video", av.KindVideo
	case astits.StreamTypeAACAudio:
		return "aac", av.KindAudio
	case astits.StreamTypeAC3Audio:
		return "ac3", av.KindAudio
	case astits.StreamTypeMPEG1Audio, astits.StreamTypeMPEG2HalvedSampleRateAudio:
		return "mp3", av.KindAudio
	default:
		return fmt.Sprintf("ts_0x%02x", uint8(t)), av.KindData
	}
}

// probe reads until the PMT describes the program's streams. PES payloads
// seen on the way are kept for delivery.
func (d *Demuxer) probe() error {
	for {
		data, err := d.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				return fmt.Errorf("no program map before end of input")
			}
			return fmt.Errorf("probing transport stream: %w", err)
		}
		if data.PMT != nil {
			for _, es := range data.PMT.ElementaryStreams {
				codecName, kind := codecForStreamType(es.StreamType)
				idx := len(d.streams)
				d.pidToIx[es.ElementaryPID] = idx
				d.streams = append(d.streams, av.StreamInfo{
					Index:    idx,
					Kind:     kind,
					Codec:    codecName,
					TimeBase: tsTimeBase,
					PixFmt:   pixFmtFor(kind),
				})
			}
			return nil
		}
		if data.PES != nil {
			if pkt, ok := d.packetFromPES(data); ok {
				d.pending = append(d.pending, pkt)
			}
		}
	}
}

func pixFmtFor(kind av.Kind) string {
	if kind == av.KindVideo {
		return "yuv420p"
	}
	return ""
}

// packetFromPES converts one demuxed PES into an av.Packet. PES on PIDs the
// program map never declared are dropped.
func (d *Demuxer) packetFromPES(data *astits.DemuxerData) (av.Packet, bool) {
	idx, ok := d.pidToIx[data.PID]
	if !ok {
		return av.Packet{}, false
	}
	st := d.streams[idx]
	pkt := av.Packet{
		StreamIndex: idx,
		PTS:         av.NoPTS,
		DTS:         av.NoPTS,
		TimeBase:    tsTimeBase,
		Data:        data.PES.Data,
	}
	if h := data.PES.Header.OptionalHeader; h != nil {
		if h.PTS != nil {
			pkt.PTS = h.PTS.Base
		}
		if h.DTS != nil {
			pkt.DTS = h.DTS.Base
		} else {
			pkt.DTS = pkt.PTS
		}
	}
	switch st.Kind {
	case av.KindVideo:
		pkt.Key = isH264Keyframe(data)
	case av.KindAudio:
		pkt.Key = true
	}
	return pkt, true
}

// isH264Keyframe checks the random-access indicator first and falls back to
// scanning the access unit for an IDR.
func isH264Keyframe(data *astits.DemuxerData) bool {
	if data.FirstPacket != nil && data.FirstPacket.AdaptationField != nil &&
		data.FirstPacket.AdaptationField.RandomAccessIndicator {
		return true
	}
	var au h264.AnnexB
	if err := au.Unmarshal(data.PES.Data); err != nil {
		return false
	}
	return h264.IsRandomAccess(au)
}

// Streams implements av.Demuxer.
func (d *Demuxer) Streams() []av.StreamInfo { return d.streams }

// ReadPacket implements av.Demuxer.
func (d *Demuxer) ReadPacket(pkt *av.Packet) error {
	if len(d.pending) > 0 {
		*pkt = d.pending[0]
		d.pending = d.pending[1:]
		return nil
	}
	for {
		data, err := d.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("reading transport stream: %w", err)
		}
		if data.PES == nil {
			continue
		}
		p, ok := d.packetFromPES(data)
		if !ok {
			continue
		}
		*pkt = p
		return nil
	}
}

// Close implements av.Demuxer.
func (d *Demuxer) Close() error {
	d.cancel()
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
