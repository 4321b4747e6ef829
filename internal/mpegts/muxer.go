package mpegts

import (
	"fmt"
	"io"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/recoder/internal/av"
)

// Default elementary PIDs; streams are numbered upward from the video PID.
const basePID = 0x100

// Muxer writes packets into an MPEG-TS stream.
type Muxer struct {
	w      io.Writer
	closer io.Closer

	tracks  []*mpegts.Track
	kinds   []av.Kind
	writer  *mpegts.Writer
	started bool
}

var _ av.Muxer = (*Muxer)(nil)

// NewMuxer builds a muxer over cfg's destination: the configured writer, or
// a file created from FileName.
func NewMuxer(cfg av.MuxerConfig) (*Muxer, error) {
	m := &Muxer{}
	switch {
	case cfg.Output != nil:
		m.w = cfg.Output
	case cfg.FileName != "":
		f, err := os.Create(cfg.FileName)
		if err != nil {
			return nil, fmt.Errorf("creating output file: %w", err)
		}
		m.w = f
		m.closer = f
	default:
		return nil, fmt.Errorf("muxer needs a file name or a writer")
	}
	return m, nil
}

// trackFor maps a stream description onto a mediacommon track codec.
func trackFor(info av.StreamInfo, pid uint16) (*mpegts.Track, error) {
	switch info.Codec {
	case "h264", "libx264", "h264_nvenc", "h264_mediacodec":
		return &mpegts.Track{PID: pid, Codec: &mpegts.CodecH264{}}, nil
	case "h265", "hevc", "hevc_nvenc":
		return &mpegts.Track{PID: pid, Codec: &mpegts.CodecH265{}}, nil
	case "aac":
		sampleRate := info.SampleRate
		if sampleRate == 0 {
			sampleRate = 48000
		}
		channels := info.Channels
		if channels == 0 {
			channels = 2
		}
		return &mpegts.Track{PID: pid, Codec: &mpegts.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   sampleRate,
				ChannelCount: channels,
			},
		}}, nil
	case "ac3":
		return &mpegts.Track{PID: pid, Codec: &mpegts.CodecAC3{
			SampleRate: 48000, ChannelCount: 2,
		}}, nil
	case "mp3":
		return &mpegts.Track{PID: pid, Codec: &mpegts.CodecMPEG1Audio{}}, nil
	default:
		return nil, fmt.Errorf("codec %q not muxable into mpegts", info.Codec)
	}
}

// AddStream implements av.Muxer.
func (m *Muxer) AddStream(info av.StreamInfo) (int, error) {
	if m.started {
		return 0, fmt.Errorf("streams must be added before the header is written")
	}
	track, err := trackFor(info, uint16(basePID+len(m.tracks)))
	if err != nil {
		return 0, err
	}
	m.tracks = append(m.tracks, track)
	m.kinds = append(m.kinds, info.Kind)
	return len(m.tracks) - 1, nil
}

// RequiresGlobalHeader implements av.Muxer. Transport streams carry
// parameter sets in-band.
func (m *Muxer) RequiresGlobalHeader() bool { return false }

// StreamTimeBase implements av.Muxer.
func (m *Muxer) StreamTimeBase(int) av.Rational { return tsTimeBase }

// WriteHeader implements av.Muxer: emits PAT and PMT.
func (m *Muxer) WriteHeader() error {
	m.writer = &mpegts.Writer{W: m.w, Tracks: m.tracks}
	if err := m.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.started = true
	return nil
}

// WritePacket implements av.Muxer. pkt timestamps are already in the 90 kHz
// stream time base.
func (m *Muxer) WritePacket(pkt *av.Packet) error {
	if !m.started {
		return fmt.Errorf("header not written")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.tracks) {
		return fmt.Errorf("unknown stream index %d", pkt.StreamIndex)
	}
	track := m.tracks[pkt.StreamIndex]

	switch track.Codec.(type) {
	case *mpegts.CodecH264:
		var au h264.AnnexB
		if err := au.Unmarshal(pkt.Data); err != nil {
			return fmt.Errorf("parsing h264 access unit: %w", err)
		}
		return m.writer.WriteH264(track, pkt.PTS, pkt.DTS, au)
	case *mpegts.CodecMPEG4Audio:
		var adts mpeg4audio.ADTSPackets
		if err := adts.Unmarshal(pkt.Data); err != nil {
			// Not ADTS framed: pass the payload through as one access unit.
			return m.writer.WriteMPEG4Audio(track, pkt.PTS, [][]byte{pkt.Data})
		}
		aus := make([][]byte, len(adts))
		for i, p := range adts {
			aus[i] = p.AU
		}
		return m.writer.WriteMPEG4Audio(track, pkt.PTS, aus)
	case *mpegts.CodecAC3:
		return m.writer.WriteAC3(track, pkt.PTS, pkt.Data)
	case *mpegts.CodecMPEG1Audio:
		return m.writer.WriteMPEG1Audio(track, pkt.PTS, [][]byte{pkt.Data})
	default:
		return fmt.Errorf("track %d has no write path", pkt.StreamIndex)
	}
}

// Flush implements av.Muxer. The writer emits packets eagerly; nothing is
// buffered here.
func (m *Muxer) Flush() error { return nil }

// WriteTrailer implements av.Muxer. Transport streams have no trailer.
func (m *Muxer) WriteTrailer() error { return nil }

// Close implements av.Muxer.
func (m *Muxer) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}
