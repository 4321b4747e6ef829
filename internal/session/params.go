// Package session implements the per-stream transcode session: the state
// machine driving demux, decode, filter, encode, and mux across many short
// segments while persisting decoder, filter, and encoder state between them.
package session

import (
	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/codec"
)

// MaxOutputs bounds the number of outputs a session will accept.
const MaxOutputs = 10

// MaxClassify bounds the number of analysis score classes per output.
const MaxClassify = 10

// ComponentOpts names a pluggable component plus its option dictionary.
type ComponentOpts struct {
	Name string
	Opts map[string]string
}

// InputDesc describes one segment's input.
type InputDesc struct {
	// FileName names the segment. Empty means bytes are supplied through the
	// session's push interface instead.
	FileName string

	// HWDevice selects the hardware decode path; codec.HWNone or the empty
	// value disables it.
	HWDevice codec.HWDevice
	// Device is the hardware device id string (e.g. a GPU ordinal).
	Device string

	// Demuxer optionally names the demuxer and its options.
	Demuxer ComponentOpts
	// Video optionally overrides the video decoder and its options.
	Video ComponentOpts

	// Transmuxing concatenates segments into continuously-open remux
	// outputs; outputs are only closed when the session stops.
	Transmuxing bool
}

// OutputDesc describes one output of a segment run.
type OutputDesc struct {
	FileName string

	// VFilters is the video filter graph description.
	VFilters string
	// SFilters is the analysis filter graph description.
	SFilters string

	Width   int
	Height  int
	BitRate int64
	// GOPTime is the forced-keyframe interval in milliseconds.
	GOPTime int64
	// ClipFrom/ClipTo bound the emitted window in milliseconds; zero means
	// unbounded on that side.
	ClipFrom int64
	ClipTo   int64
	// FPS is the target framerate fraction; zero means passthrough.
	FPS av.Rational

	Muxer ComponentOpts
	// Video is the video encoder: "copy", "drop"/empty, or an encoder name.
	Video ComponentOpts
	// Audio is the audio encoder, same sentinels as Video.
	Audio ComponentOpts

	// Analysis marks an analysis-only output: frames run through the
	// session's shared analysis graph and accumulate scores, no media is
	// muxed.
	Analysis bool

	Metadata map[string]string
}

// DecodedResults accumulates input-side counters for one segment.
type DecodedResults struct {
	Frames       int
	Pixels       int64
	VideoFrames  int
	AudioFrames  int
	VideoPackets int
	AudioPackets int
	OtherPackets int
}

// OutputResults accumulates per-output counters for one segment.
type OutputResults struct {
	Frames       int
	Pixels       int64
	VideoPackets int
	AudioPackets int
	OtherPackets int
	// Scores holds accumulated analysis class scores, normalised by frame
	// count when the segment flushes. Empty for media outputs.
	Scores []float64
}
