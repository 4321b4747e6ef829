// Package avtest provides an in-memory codec backend for exercising the
// transcode session without a real codec library. Decoders buffer frames
// like hardware decoders do, the framerate filter renumbers and fills
// timestamps like the real one, and every component records what passed
// through it.
package avtest

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/codec"
)

// Library is a scriptable av.Library. Configure the fields, hand it to the
// session, then assert on the recorded components.
type Library struct {
	mu sync.Mutex

	// OpenDemuxerFn overrides demuxer construction. When nil, demuxers are
	// popped from Inputs in order.
	OpenDemuxerFn func(cfg av.DemuxerConfig) (av.Demuxer, error)
	Inputs        []*Demuxer

	// VideoDecodeDelay is how many frames the video decoder buffers before
	// emitting, emulating a hardware decode pipeline.
	VideoDecodeDelay int
	// StuckFlush makes the video decoder ignore sentinel flush packets, so
	// the flush loop can only terminate on its deadline.
	StuckFlush bool
	// ReplacePoolOnFirstFrame makes the hardware decoder swap its frame
	// pool after the first decoded frame, as some devices do.
	ReplacePoolOnFirstFrame bool

	// EncoderAudioPadding is reported as initial padding by audio encoders.
	EncoderAudioPadding int
	// MuxerGlobalHeader makes muxers demand global headers.
	MuxerGlobalHeader bool

	// Recorded components, in open order.
	Demuxers []*Demuxer
	Decoders []*Decoder
	Encoders []*Encoder
	Graphs   []*FilterGraph
	Muxers   []*Muxer

	EncoderOpens int
	DecoderOpens int
}

var _ av.Library = (*Library)(nil)

// OpenDemuxer pops the next scripted demuxer or delegates to OpenDemuxerFn.
func (l *Library) OpenDemuxer(cfg av.DemuxerConfig) (av.Demuxer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.OpenDemuxerFn != nil {
		d, err := l.OpenDemuxerFn(cfg)
		if err != nil {
			return nil, err
		}
		if fd, ok := d.(*Demuxer); ok {
			l.Demuxers = append(l.Demuxers, fd)
		}
		return d, nil
	}
	if len(l.Inputs) == 0 {
		return nil, fmt.Errorf("no scripted input left for %q", cfg.URL)
	}
	d := l.Inputs[0]
	l.Inputs = l.Inputs[1:]
	l.Demuxers = append(l.Demuxers, d)
	return d, nil
}

// OpenDecoder builds a buffering fake decoder.
func (l *Library) OpenDecoder(cfg av.DecoderConfig) (av.Decoder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.DecoderOpens++
	d := &Decoder{
		stream: cfg.Stream,
		kind:   cfg.Stream.Kind,
	}
	if cfg.Stream.Kind == av.KindVideo {
		d.delay = l.VideoDecodeDelay
		d.stuckFlush = l.StuckFlush
		d.replacePool = l.ReplacePoolOnFirstFrame
	}
	if cfg.HWDevice != nil {
		d.pool = cfg.HWDevice.Pool
		if cfg.NegotiatePixFmt != nil {
			// Candidates the decoder would advertise, device format first.
			d.negotiated = cfg.NegotiatePixFmt([]string{cfg.HWDevice.Pool.Format, "yuv420p"})
		}
	}
	l.Decoders = append(l.Decoders, d)
	return d, nil
}

// OpenEncoder builds a passthrough fake encoder.
func (l *Library) OpenEncoder(cfg av.EncoderConfig) (av.Encoder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.EncoderOpens++
	e := &Encoder{cfg: cfg}
	if cfg.SampleRate != 0 {
		e.padding = l.EncoderAudioPadding
	}
	l.Encoders = append(l.Encoders, e)
	return e, nil
}

// OpenFilterGraph builds a fake graph keyed off the description: fps=N/D
// renumbers like the framerate filter, scale=w=W:h=H resizes, analysis=
// fabricates class scores. Audio graphs always output 44.1 kHz stereo fltp,
// whatever the description says.
func (l *Library) OpenFilterGraph(cfg av.FilterConfig) (av.FilterGraph, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := newFilterGraph(cfg)
	l.Graphs = append(l.Graphs, g)
	return g, nil
}

// OpenMuxer builds a recording fake muxer.
func (l *Library) OpenMuxer(cfg av.MuxerConfig) (av.Muxer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := &Muxer{cfg: cfg, globalHeader: l.MuxerGlobalHeader}
	l.Muxers = append(l.Muxers, m)
	return m, nil
}

// OpenHWDevice returns a fresh device handle with an initial frame pool.
func (l *Library) OpenHWDevice(kind codec.HWDevice, device string) (*av.HWDeviceContext, error) {
	return &av.HWDeviceContext{
		Kind:   kind,
		Device: device,
		Pool:   &av.HWFramePool{Format: string(kind), SWFormat: "yuv420p"},
	}, nil
}

// Demuxer replays a scripted packet list.
type Demuxer struct {
	StreamList []av.StreamInfo
	Packets    []av.Packet
	pos        int
	Closed     bool
}

var _ av.Demuxer = (*Demuxer)(nil)

// Streams implements av.Demuxer.
func (d *Demuxer) Streams() []av.StreamInfo { return d.StreamList }

// ReadPacket implements av.Demuxer.
func (d *Demuxer) ReadPacket(pkt *av.Packet) error {
	if d.pos >= len(d.Packets) {
		return io.EOF
	}
	*pkt = *d.Packets[d.pos].Clone()
	d.pos++
	return nil
}

// Close implements av.Demuxer.
func (d *Demuxer) Close() error {
	d.Closed = true
	return nil
}

// Decoder buffers `delay` frames before emitting, one frame per packet.
// Sentinel packets (PTS == -1) decode into sentinel frames queued behind
// the buffered real ones, so pumping them flushes the pipeline the way
// hardware decoders flush.
type Decoder struct {
	stream av.StreamInfo
	kind   av.Kind
	delay  int

	pending  []av.Frame
	draining bool

	stuckFlush  bool
	replacePool bool
	emitted     int

	pool       *av.HWFramePool
	negotiated string

	Closed bool
}

var _ av.Decoder = (*Decoder)(nil)

// SendPacket implements av.Decoder. A nil packet starts the full drain used
// for audio flushing.
func (d *Decoder) SendPacket(pkt *av.Packet) error {
	if pkt == nil {
		d.draining = true
		return nil
	}
	if pkt.PTS == -1 {
		// Sentinel flush packet.
		if d.stuckFlush {
			return nil
		}
		d.pending = append(d.pending, d.frameFor(pkt))
		return nil
	}
	d.pending = append(d.pending, d.frameFor(pkt))
	return nil
}

func (d *Decoder) frameFor(pkt *av.Packet) av.Frame {
	f := av.Frame{
		Kind:     d.kind,
		PTS:      pkt.PTS,
		Duration: pkt.Duration,
	}
	if d.kind == av.KindVideo {
		f.Width = d.stream.Width
		f.Height = d.stream.Height
		f.PixFmt = d.stream.PixFmt
		f.HWFrames = d.pool
	} else {
		f.SampleRate = d.stream.SampleRate
		f.Channels = d.stream.Channels
		f.Samples = 1024
		f.SampleFmt = d.stream.SampleFmt
		f.ChannelLayout = d.stream.ChannelLayout
	}
	return f
}

// ReceiveFrame implements av.Decoder.
func (d *Decoder) ReceiveFrame(frame *av.Frame) error {
	if len(d.pending) == 0 {
		if d.draining {
			return io.EOF
		}
		return av.ErrAgain
	}
	if !d.draining && len(d.pending) <= d.delay {
		return av.ErrAgain
	}
	*frame = d.pending[0]
	d.pending = d.pending[1:]
	d.emitted++
	if d.replacePool && d.emitted == 1 && d.pool != nil {
		// Defer pool initialisation to the first frame, as some hardware
		// decoders do: subsequent frames reference a fresh pool.
		d.pool = &av.HWFramePool{
			Format:   d.pool.Format,
			SWFormat: d.pool.SWFormat,
			Width:    d.stream.Width,
			Height:   d.stream.Height,
		}
	}
	return nil
}

// HWFramePool implements av.Decoder.
func (d *Decoder) HWFramePool() *av.HWFramePool { return d.pool }

// Close implements av.Decoder.
func (d *Decoder) Close() error {
	d.Closed = true
	return nil
}

// FilterGraph emulates the graph shapes the session builds.
type FilterGraph struct {
	cfg  av.FilterConfig
	fps  av.Rational
	outW int
	outH int

	analysis bool

	queue      []av.Frame
	baseSet    bool
	basePTS    int64
	lastOutPTS int64
	lastFrame  av.Frame
	haveLast   bool

	frameSize int
	Closed    bool

	// WroteFrames counts every frame pushed in, flush frames included.
	WroteFrames int
}

var _ av.FilterGraph = (*FilterGraph)(nil)

func newFilterGraph(cfg av.FilterConfig) *FilterGraph {
	g := &FilterGraph{cfg: cfg, outW: cfg.Width, outH: cfg.Height}
	for _, part := range strings.Split(cfg.Description, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "fps="):
			g.fps = parseFraction(strings.TrimPrefix(part, "fps="))
		case strings.HasPrefix(part, "scale="):
			for _, kv := range strings.Split(strings.TrimPrefix(part, "scale="), ":") {
				k, v, _ := strings.Cut(kv, "=")
				n, _ := strconv.Atoi(v)
				if k == "w" {
					g.outW = n
				}
				if k == "h" {
					g.outH = n
				}
			}
		case strings.HasPrefix(part, "analysis="):
			g.analysis = true
		}
	}
	return g
}

func parseFraction(s string) av.Rational {
	num, den, ok := strings.Cut(s, "/")
	n, _ := strconv.ParseInt(num, 10, 64)
	d := int64(1)
	if ok {
		d, _ = strconv.ParseInt(den, 10, 64)
	}
	return av.NewRational(n, d)
}

// WriteFrame implements av.FilterGraph.
func (g *FilterGraph) WriteFrame(frame *av.Frame) error {
	g.WroteFrames++
	out := *frame.Clone()
	out.Width, out.Height = g.outW, g.outH
	if g.cfg.Kind == av.KindAudio {
		out.SampleRate = 44100
		out.Channels = 2
		out.ChannelLayout = "stereo"
		out.SampleFmt = "fltp"
	}
	if g.analysis {
		out.Data = []byte{128, 64, 32, 16, 8, 4, 2, 1, 0, 0}
		g.queue = append(g.queue, out)
		return nil
	}
	if g.fps.IsZero() {
		g.queue = append(g.queue, out)
		return nil
	}

	// Framerate mode: renumber to a 1/fps time base relative to the first
	// input PTS, dropping early duplicates and filling gaps with copies of
	// the previous frame — the framerate filter's behaviour that forces the
	// adapter's monotonic rewriting in the first place.
	if !g.baseSet {
		g.basePTS = frame.PTS
		g.baseSet = true
		g.lastOutPTS = -1
	}
	n := av.Rescale(frame.PTS-g.basePTS, g.cfg.TimeBase, g.fps.Inv())
	if n <= g.lastOutPTS {
		// A late duplicate; the real filter drops it. Frames carrying the
		// flush marker are kept moving so the drain can terminate.
		if frame.Opaque == av.NoPTS {
			n = g.lastOutPTS + 1
		} else {
			return nil
		}
	}
	for fill := g.lastOutPTS + 1; fill < n && g.haveLast; fill++ {
		dup := g.lastFrame
		dup.PTS = fill
		dup.Duration = 1
		g.queue = append(g.queue, dup)
	}
	out.PTS = n
	out.Duration = 1
	g.queue = append(g.queue, out)
	g.lastOutPTS = n
	g.lastFrame = out
	g.haveLast = true
	return nil
}

// ReadFrame implements av.FilterGraph.
func (g *FilterGraph) ReadFrame(frame *av.Frame) error {
	if len(g.queue) == 0 {
		return av.ErrAgain
	}
	*frame = g.queue[0]
	g.queue = g.queue[1:]
	return nil
}

// Sink implements av.FilterGraph.
func (g *FilterGraph) Sink() av.SinkInfo {
	info := av.SinkInfo{
		Width:    g.outW,
		Height:   g.outH,
		PixFmt:   g.cfg.PixFmt,
		TimeBase: g.cfg.TimeBase,
		HWFrames: g.cfg.HWFrames,
	}
	if info.PixFmt == "" {
		info.PixFmt = "yuv420p"
	}
	if !g.fps.IsZero() {
		info.TimeBase = g.fps.Inv()
		info.FrameRate = g.fps
	}
	if g.cfg.Kind == av.KindAudio {
		info.SampleRate = 44100
		info.Channels = 2
		info.ChannelLayout = "stereo"
		info.SampleFmt = "fltp"
		info.TimeBase = av.NewRational(1, 44100)
	}
	return info
}

// SetFrameSize implements av.FilterGraph.
func (g *FilterGraph) SetFrameSize(n int) { g.frameSize = n }

// Close implements av.FilterGraph.
func (g *FilterGraph) Close() error {
	g.Closed = true
	return nil
}

// Encoder emits one packet per frame with the frame's timing.
type Encoder struct {
	cfg      av.EncoderConfig
	padding  int
	queue    []av.Packet
	draining bool

	// Frames records every frame sent in, so tests can check forced
	// keyframes.
	Frames  []av.Frame
	Closed  bool
	Flushes int
}

var _ av.Encoder = (*Encoder)(nil)

// SendFrame implements av.Encoder.
func (e *Encoder) SendFrame(frame *av.Frame) error {
	if frame == nil {
		e.draining = true
		return nil
	}
	e.Frames = append(e.Frames, *frame.Clone())
	e.queue = append(e.queue, av.Packet{
		PTS:      frame.PTS,
		DTS:      frame.PTS,
		Duration: frame.Duration,
		Key:      frame.Pict == av.PictureI,
		TimeBase: e.cfg.TimeBase,
		Data:     make([]byte, 32),
	})
	return nil
}

// ReceivePacket implements av.Encoder.
func (e *Encoder) ReceivePacket(pkt *av.Packet) error {
	if len(e.queue) == 0 {
		if e.draining {
			return io.EOF
		}
		return av.ErrAgain
	}
	*pkt = e.queue[0]
	e.queue = e.queue[1:]
	return nil
}

// FlushBuffers implements av.Encoder.
func (e *Encoder) FlushBuffers() {
	e.queue = nil
	e.draining = false
	e.Flushes++
}

// StreamInfo implements av.Encoder.
func (e *Encoder) StreamInfo() av.StreamInfo {
	info := av.StreamInfo{
		Codec:          e.cfg.Name,
		TimeBase:       e.cfg.TimeBase,
		FrameRate:      e.cfg.FrameRate,
		Width:          e.cfg.Width,
		Height:         e.cfg.Height,
		PixFmt:         e.cfg.PixFmt,
		SampleRate:     e.cfg.SampleRate,
		Channels:       e.cfg.Channels,
		ChannelLayout:  e.cfg.ChannelLayout,
		SampleFmt:      e.cfg.SampleFmt,
		InitialPadding: e.padding,
	}
	if e.cfg.SampleRate == 0 {
		info.Kind = av.KindVideo
	} else {
		info.Kind = av.KindAudio
	}
	return info
}

// TimeBase implements av.Encoder.
func (e *Encoder) TimeBase() av.Rational { return e.cfg.TimeBase }

// FrameSize implements av.Encoder.
func (e *Encoder) FrameSize() int {
	if e.cfg.SampleRate != 0 {
		return 1024
	}
	return 0
}

// Close implements av.Encoder.
func (e *Encoder) Close() error {
	e.Closed = true
	return nil
}

// Muxer records streams and packets, optionally mirroring bytes to the
// configured writer.
type Muxer struct {
	cfg          av.MuxerConfig
	globalHeader bool

	StreamList     []av.StreamInfo
	Written        []av.Packet
	HeaderWritten  bool
	TrailerWritten bool
	Flushed        int
	Closed         bool
}

var _ av.Muxer = (*Muxer)(nil)

// AddStream implements av.Muxer.
func (m *Muxer) AddStream(info av.StreamInfo) (int, error) {
	m.StreamList = append(m.StreamList, info)
	return len(m.StreamList) - 1, nil
}

// RequiresGlobalHeader implements av.Muxer.
func (m *Muxer) RequiresGlobalHeader() bool { return m.globalHeader }

// StreamTimeBase implements av.Muxer.
func (m *Muxer) StreamTimeBase(index int) av.Rational {
	if index < 0 || index >= len(m.StreamList) {
		return av.Rational{}
	}
	return m.StreamList[index].TimeBase
}

// WriteHeader implements av.Muxer.
func (m *Muxer) WriteHeader() error {
	m.HeaderWritten = true
	if m.cfg.Output != nil {
		m.cfg.Output.Write([]byte("HDR"))
	}
	return nil
}

// WritePacket implements av.Muxer.
func (m *Muxer) WritePacket(pkt *av.Packet) error {
	m.Written = append(m.Written, *pkt.Clone())
	if m.cfg.Output != nil {
		data := pkt.Data
		if len(data) == 0 {
			data = make([]byte, 188)
		}
		m.cfg.Output.Write(data)
	}
	return nil
}

// Flush implements av.Muxer.
func (m *Muxer) Flush() error {
	m.Flushed++
	return nil
}

// WriteTrailer implements av.Muxer.
func (m *Muxer) WriteTrailer() error {
	m.TrailerWritten = true
	if m.cfg.Output != nil {
		m.cfg.Output.Write([]byte("TRL"))
	}
	return nil
}

// Close implements av.Muxer.
func (m *Muxer) Close() error {
	m.Closed = true
	return nil
}
