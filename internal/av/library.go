package av

import (
	"errors"
	"io"

	"github.com/jmylchreest/recoder/internal/codec"
)

// ErrAgain signals that a component needs more input before it can produce
// output (the codec library's EAGAIN). It is ordinary control flow.
var ErrAgain = errors.New("component needs more input")

// ErrNotSupported is returned by partial library implementations for
// operations they do not provide (e.g. a remux-only backend asked to open a
// decoder).
var ErrNotSupported = errors.New("operation not supported by codec backend")

// HWDeviceContext is an opened hardware device handle. Pool holds the
// current hardware frame pool; decoders may replace it after the first
// frame, which downstream components detect by identity.
type HWDeviceContext struct {
	Kind   codec.HWDevice
	Device string
	Pool   *HWFramePool
}

// DemuxerConfig describes how to open input. Exactly one of URL or Input is
// set: URL names a file/stream, Input supplies bytes via a seekable reader
// (the push-mode byte buffer).
type DemuxerConfig struct {
	Name    string // demuxer name hint, may be empty for probing
	URL     string
	Input   io.ReadSeeker
	Options map[string]string
}

// DecoderConfig describes how to open a decoder for one stream.
type DecoderConfig struct {
	// Codec is the decoder name; defaults to the stream's codec.
	Codec  string
	Stream StreamInfo
	// HWDevice enables hardware decoding when non-nil.
	HWDevice *HWDeviceContext
	// NegotiatePixFmt picks the output pixel format from the candidates the
	// decoder advertises. Called once the decoder knows its stream geometry;
	// the callback resolves back to the owning pipeline, so no back-pointer
	// from decoder to pipeline is needed.
	NegotiatePixFmt func(candidates []string) string
	Options         map[string]string
}

// EncoderConfig describes how to open an encoder.
type EncoderConfig struct {
	Name    string
	Options map[string]string

	TimeBase  Rational
	FrameRate Rational

	// Video
	Width    int
	Height   int
	PixFmt   string
	BitRate  int64 // when set, rc min/max/buffer are clamped to it (CBR-like)
	HWFrames *HWFramePool

	// Audio
	SampleRate    int
	Channels      int
	ChannelLayout string
	SampleFmt     string

	// GlobalHeader is set when the muxer requires global extradata.
	GlobalHeader bool
}

// FilterConfig describes a filter graph between one decoder and one encoder.
type FilterConfig struct {
	Kind        Kind
	Description string

	// Source parameters, taken from the upstream decoder.
	TimeBase Rational
	Width    int
	Height   int
	PixFmt   string
	HWFrames *HWFramePool

	SampleRate    int
	Channels      int
	ChannelLayout string
	SampleFmt     string
}

// SinkInfo reports the filter graph's negotiated output parameters.
type SinkInfo struct {
	Width     int
	Height    int
	PixFmt    string
	TimeBase  Rational
	FrameRate Rational
	HWFrames  *HWFramePool

	SampleRate    int
	Channels      int
	ChannelLayout string
	SampleFmt     string
}

// MuxerConfig describes how to open output. Exactly one of FileName or
// Output is set; Output feeds muxed bytes to the caller (the packet queue).
type MuxerConfig struct {
	Name     string
	FileName string
	Output   io.Writer
	Options  map[string]string
	Metadata map[string]string
	// FlushEachPacket forces the muxer to emit bytes after every packet, as
	// transmuxing outputs require.
	FlushEachPacket bool
}

// Demuxer pulls packets out of a container.
type Demuxer interface {
	// Streams lists the container's streams after probing.
	Streams() []StreamInfo
	// ReadPacket fills pkt with the next packet. Returns io.EOF at end of
	// input.
	ReadPacket(pkt *Packet) error
	Close() error
}

// Decoder turns packets into frames. Send/receive follow the codec
// library's pull model: SendPacket may be answered by zero or more
// ReceiveFrame results; ReceiveFrame returns ErrAgain when the decoder
// wants more input and io.EOF once fully drained.
type Decoder interface {
	SendPacket(pkt *Packet) error
	ReceiveFrame(frame *Frame) error
	// HWFramePool exposes the decoder's current hardware frame pool, nil for
	// software decoding. Identity may change after the first decoded frame.
	HWFramePool() *HWFramePool
	Close() error
}

// FilterGraph transforms frames. WriteFrame pushes one frame in; ReadFrame
// pulls filtered frames out (ErrAgain when the graph has nothing ready).
type FilterGraph interface {
	WriteFrame(frame *Frame) error
	ReadFrame(frame *Frame) error
	Sink() SinkInfo
	// SetFrameSize aligns the audio sink's buffering with the encoder's
	// frame size once the encoder is open. No-op for video.
	SetFrameSize(n int)
	Close() error
}

// Encoder turns frames into packets. SendFrame(nil) starts the drain;
// ReceivePacket returns ErrAgain when more frames are needed and io.EOF
// once drained.
type Encoder interface {
	SendFrame(frame *Frame) error
	ReceivePacket(pkt *Packet) error
	// FlushBuffers resets encoder state without closing it, for hardware
	// encoders that survive across segments.
	FlushBuffers()
	// StreamInfo reports the encoder's output parameters for muxer stream
	// setup; valid once the encoder is open.
	StreamInfo() StreamInfo
	TimeBase() Rational
	// FrameSize is the audio frame size in samples, zero for video.
	FrameSize() int
	Close() error
}

// Muxer writes packets into a container.
type Muxer interface {
	// AddStream registers a stream and returns its output index.
	AddStream(info StreamInfo) (int, error)
	// RequiresGlobalHeader reports whether encoders feeding this muxer must
	// produce global extradata.
	RequiresGlobalHeader() bool
	// StreamTimeBase reports the effective time base the muxer chose for a
	// stream; valid after WriteHeader.
	StreamTimeBase(index int) Rational
	WriteHeader() error
	// WritePacket writes one packet already rescaled to the stream's time
	// base.
	WritePacket(pkt *Packet) error
	// Flush drains any interleaving buffers to the output.
	Flush() error
	WriteTrailer() error
	Close() error
}

// Library is the codec backend: the factory half of the boundary. Partial
// backends return ErrNotSupported from what they cannot open.
type Library interface {
	OpenDemuxer(cfg DemuxerConfig) (Demuxer, error)
	OpenDecoder(cfg DecoderConfig) (Decoder, error)
	OpenEncoder(cfg EncoderConfig) (Encoder, error)
	OpenFilterGraph(cfg FilterConfig) (FilterGraph, error)
	OpenMuxer(cfg MuxerConfig) (Muxer, error)
	OpenHWDevice(kind codec.HWDevice, device string) (*HWDeviceContext, error)
}
