package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/averr"
	"github.com/jmylchreest/recoder/internal/codec"
	"github.com/jmylchreest/recoder/internal/streambuf"
)

// sentinelMax bounds consecutive sentinel submissions without any frame
// returned: the flush loop's deadline when packet accounting drifts.
const sentinelMax = 8

// flushPTS is forced onto the cached keyframe packet and identifies the
// frames it decodes into; such sentinel frames never leave the engine.
const flushPTS = int64(-1)

// inputPipeline owns the demuxer and the optional audio/video decoders for
// one session, plus the state that must survive between segments: the
// hardware device, the first-keyframe cache, and the per-stream timestamp
// tables used by the discontinuity rewriter.
type inputPipeline struct {
	lib    av.Library
	logger *slog.Logger

	demuxer av.Demuxer
	streams []av.StreamInfo
	vi, ai  int // selected stream indices, -1 when absent
	vc, ac  av.Decoder
	dv, da  bool // skip decoding video/audio entirely

	hwDev  *av.HWDeviceContext
	hwType codec.HWDevice
	device string

	// firstPkt is the cloned first video keyframe with PTS forced to the
	// flush sentinel; it pumps stateful hardware decoders during drain.
	firstPkt *av.Packet

	// pktDiff estimates packets buffered inside the video decoder:
	// packets sent minus non-sentinel frames received.
	pktDiff       int
	sentinelCount int
	flushing      bool
	flushed       bool

	// Last decoded frames, retained as flush templates for the filters.
	lastFrameV *av.Frame
	lastFrameA *av.Frame

	// Discontinuity rewriter tables, indexed by input stream.
	lastDTS       [MaxOutputs]int64
	lastDuration  [MaxOutputs]int64
	dtsDiff       [MaxOutputs]int64
	discontinuity [MaxOutputs]bool

	transmuxing bool
}

func newInputPipeline(lib av.Library, logger *slog.Logger) inputPipeline {
	in := inputPipeline{lib: lib, logger: logger, vi: -1, ai: -1}
	for i := range in.lastDTS {
		in.lastDTS[i] = -1
	}
	return in
}

// isFlushFrame reports whether the decoder emitted a sentinel frame bred
// from the cached flush packet.
func isFlushFrame(f *av.Frame) bool {
	return f.PTS == flushPTS
}

// open opens the demuxer and decoders for one segment, reusing retained
// hardware state where present. buf is non-nil in push mode.
func (in *inputPipeline) open(desc InputDesc, buf *streambuf.Buffer) error {
	cfg := av.DemuxerConfig{
		Name:    desc.Demuxer.Name,
		Options: desc.Demuxer.Opts,
	}
	if buf != nil {
		cfg.Input = buf
	} else {
		if desc.FileName == "" {
			return averr.New(averr.CodeInputs, "no input file and push mode not enabled")
		}
		cfg.URL = desc.FileName
	}
	demuxer, err := in.lib.OpenDemuxer(cfg)
	if err != nil {
		return averr.Wrap(averr.CodeInputs, "opening demuxer", err)
	}
	in.demuxer = demuxer
	in.streams = demuxer.Streams()
	in.transmuxing = desc.Transmuxing

	if err := in.openVideoDecoder(desc); err != nil {
		in.free(false)
		return err
	}
	if err := in.openAudioDecoder(desc); err != nil {
		in.free(false)
		return err
	}
	return nil
}

// bestStream picks the highest-resolution (video) or first (audio) stream of
// the requested kind.
func (in *inputPipeline) bestStream(kind av.Kind) int {
	best := -1
	for _, st := range in.streams {
		if st.Kind != kind {
			continue
		}
		if best < 0 {
			best = st.Index
			continue
		}
		if kind == av.KindVideo && st.Width*st.Height > in.streams[best].Width*in.streams[best].Height {
			best = st.Index
		}
	}
	return best
}

func (in *inputPipeline) openVideoDecoder(desc InputDesc) error {
	in.vi = in.bestStream(av.KindVideo)
	if in.dv {
		return nil // every output copies or drops video
	}
	if in.vi < 0 {
		in.logger.Warn("no video stream found in input")
		return nil
	}
	st := in.streams[in.vi]

	decoderName := desc.Video.Name
	hwDevice := desc.HWDevice
	if hwDevice == "" {
		hwDevice = codec.HWNone
	}
	if hwDevice == codec.HWNone {
		in.hwType = codec.HWNone
	} else {
		if st.Codec != "h264" {
			return averr.New(averr.CodeInputCodec, "non H264 codec detected in input")
		}
		if !codec.Is420(st.PixFmt) {
			return averr.New(averr.CodeInputPixfmt, "non 4:2:0 pixel format detected in input")
		}
		if decoderName == "" {
			if hw := codec.HWDecoderName(st.Codec, hwDevice); hw != "" {
				decoderName = hw
			} else {
				in.logger.Warn("hardware decoder not found; defaulting to software",
					slog.String("codec", st.Codec), slog.String("device", string(hwDevice)))
			}
		}
		// Reuse the retained device when it matches, else open a fresh one.
		if in.hwDev == nil || in.hwType != hwDevice || in.device != desc.Device {
			dev, err := in.lib.OpenHWDevice(hwDevice, desc.Device)
			if err != nil {
				return averr.Wrap(averr.CodeUnrecoverable, "opening hardware device", err)
			}
			in.hwDev = dev
			in.hwType = hwDevice
			in.device = desc.Device
		}
	}

	// Hardware decoders are retained across segments; reuse if still open.
	if in.vc != nil {
		return nil
	}

	dec, err := in.lib.OpenDecoder(av.DecoderConfig{
		Codec:    decoderName,
		Stream:   st,
		HWDevice: in.hwDev,
		Options:  desc.Video.Opts,
		NegotiatePixFmt: func(candidates []string) string {
			return in.negotiatePixFmt(candidates)
		},
	})
	if err != nil {
		return averr.Wrap(averr.CodeInputs, "opening video decoder", err)
	}
	in.vc = dec
	return nil
}

// negotiatePixFmt picks the first candidate compatible with the session's
// hardware device, falling back to the first candidate. The decoder passes
// its candidate list here instead of holding a back-pointer to the pipeline.
func (in *inputPipeline) negotiatePixFmt(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	if in.hwDev != nil && in.hwDev.Pool != nil {
		for _, c := range candidates {
			if c == in.hwDev.Pool.Format {
				return c
			}
		}
		in.logger.Warn("decoder does not support hw decoding")
	}
	return candidates[0]
}

func (in *inputPipeline) openAudioDecoder(desc InputDesc) error {
	in.ai = in.bestStream(av.KindAudio)
	if in.da {
		return nil
	}
	if in.ai < 0 {
		in.logger.Info("no audio stream found in input")
		return nil
	}
	if in.ac != nil {
		in.logger.Warn("an audio decoder was already open")
	}
	dec, err := in.lib.OpenDecoder(av.DecoderConfig{Stream: in.streams[in.ai]})
	if err != nil {
		return averr.Wrap(averr.CodeInputs, "opening audio decoder", err)
	}
	in.ac = dec
	return nil
}

// sendPacket forwards pkt to dec, counting buffered video packets.
func (in *inputPipeline) sendPacket(dec av.Decoder, pkt *av.Packet) error {
	err := dec.SendPacket(pkt)
	if err == nil && dec == in.vc {
		in.pktDiff++
	}
	return err
}

// receiveFrame pulls one frame from dec, balancing the video buffer count
// for every non-sentinel frame and resetting the sentinel deadline.
func (in *inputPipeline) receiveFrame(dec av.Decoder, frame *av.Frame) error {
	err := dec.ReceiveFrame(frame)
	if dec != in.vc {
		return err
	}
	if err == nil && !isFlushFrame(frame) {
		in.pktDiff--
		if in.flushing {
			in.sentinelCount = 0
		}
	}
	return err
}

// cacheFirstKeyframe clones the first video keyframe seen and forces its
// PTS to the flush sentinel.
func (in *inputPipeline) cacheFirstKeyframe(pkt *av.Packet) {
	if in.firstPkt != nil || !pkt.Key {
		return
	}
	in.firstPkt = pkt.Clone()
	in.firstPkt.PTS = flushPTS
}

// sendFlushPkt pumps the cached keyframe into the video decoder during
// drain. Sentinel submissions deliberately bypass pktDiff accounting.
func (in *inputPipeline) sendFlushPkt() {
	if in.flushed || in.firstPkt == nil {
		return
	}
	if err := in.vc.SendPacket(in.firstPkt); err != nil {
		averr.Log(in.logger, averr.Wrap(averr.CodeInputs, "sending flush packet", err))
		// The decoder cannot be pumped any further; stop the drain instead
		// of spinning on a dead submission path.
		in.flushed = true
		return
	}
	in.sentinelCount++
}

// flushIn drains the decoders after demuxer EOF. It returns one frame at a
// time with its stream index; io.EOF once both decoders are dry.
//
// Video drain pumps the cached keyframe, terminating when the packet/frame
// balance settles or after sentinelMax consecutive fruitless submissions —
// the balance assumes one frame per packet and drifts on multi-slice
// streams, so the deadline is the real guarantee.
func (in *inputPipeline) flushIn(frame *av.Frame) (int, error) {
	if in.vc != nil && !in.flushed {
		in.flushing = true
		if in.firstPkt == nil {
			// No keyframe was ever cached, so there is nothing to pump the
			// decoder with; consider it drained rather than spin forever.
			if in.pktDiff != 0 {
				averr.Log(in.logger, averr.New(averr.CodeInputNoKeyframe,
					"no keyframe cached for decoder flush"))
			}
			in.flushed = true
		}
	}
	if in.vc != nil && !in.flushed {
		in.sendFlushPkt()
		err := in.receiveFrame(in.vc, frame)
		if in.pktDiff != 0 && in.sentinelCount <= sentinelMax &&
			(err == nil || errors.Is(err, av.ErrAgain)) {
			if err == nil {
				return in.vi, nil
			}
			return in.vi, av.ErrAgain // keep flushing
		}
		in.flushed = true
		if err == nil {
			return in.vi, nil
		}
	}
	if in.ac != nil {
		if err := in.ac.SendPacket(nil); err != nil && !errors.Is(err, io.EOF) {
			return 0, averr.Wrap(averr.CodeInputs, "flushing audio decoder", err)
		}
		if err := in.receiveFrame(in.ac, frame); err == nil {
			return in.ai, nil
		}
	}
	return 0, io.EOF
}

// handleDiscontinuity rewrites pkt's timestamps onto the session's
// continuous timeline. When a discontinuity was flagged for the stream, the
// packet establishes a new offset from the last seen DTS and duration.
// Packets whose rewritten DTS would not advance are clamped forward rather
// than dropped; discarding arbitrary packets can damage the stream.
func (in *inputPipeline) handleDiscontinuity(pkt *av.Packet) {
	s := pkt.StreamIndex
	if s >= MaxOutputs {
		return
	}
	if in.discontinuity[s] {
		in.dtsDiff[s] = in.lastDTS[s] + in.lastDuration[s] - pkt.DTS
		in.discontinuity[s] = false
	}
	pkt.PTS += in.dtsDiff[s]
	pkt.DTS += in.dtsDiff[s]
	if in.lastDTS[s] > -1 && pkt.DTS <= in.lastDTS[s] {
		delta := in.lastDTS[s] + 1 - pkt.DTS
		pkt.DTS += delta
		pkt.PTS += delta
		in.logger.Debug("clamped non-increasing dts",
			slog.Int("stream", s), slog.Int64("delta", delta))
	}
	in.lastDTS[s] = pkt.DTS
	if pkt.Duration != 0 {
		in.lastDuration[s] = pkt.Duration
	}
}

// markDiscontinuity flags every stream so the next packet re-anchors the
// timeline.
func (in *inputPipeline) markDiscontinuity() {
	for i := range in.discontinuity {
		in.discontinuity[i] = true
	}
}

// keepLastFrame retains frame as the flush template for its medium.
func (in *inputPipeline) keepLastFrame(frame *av.Frame, kind av.Kind) {
	clone := frame.Clone()
	if kind == av.KindVideo {
		in.lastFrameV = clone
	} else {
		in.lastFrameA = clone
	}
}

// frameDuration fills in a frame duration when the decoder left it unset,
// falling back to the stream frame rate.
func (in *inputPipeline) frameDuration(frame *av.Frame, st av.StreamInfo) {
	if frame.Duration != 0 {
		return
	}
	if !st.FrameRate.IsZero() {
		frame.Duration = av.Rescale(1, st.FrameRate.Inv(), st.TimeBase)
		return
	}
	in.logger.Warn("could not determine frame duration; filter might drop")
}

// free releases per-segment input state. With preserveHW the hardware
// decoder and device survive to the next segment; the demuxer never does —
// a reused demuxer retains state from previous segments and causes subtle
// corruption.
func (in *inputPipeline) free(preserveHW bool) {
	if in.demuxer != nil {
		in.demuxer.Close()
		in.demuxer = nil
	}
	if in.ac != nil {
		in.ac.Close()
		in.ac = nil
	}
	keepVideo := preserveHW && in.hwType != codec.HWNone
	if in.vc != nil && !keepVideo {
		in.vc.Close()
		in.vc = nil
	}
	if !preserveHW {
		in.hwDev = nil
		in.hwType = codec.HWNone
	}
	in.firstPkt = nil
	in.flushing, in.flushed = false, false
	in.pktDiff, in.sentinelCount = 0, 0
	in.lastFrameV, in.lastFrameA = nil, nil
	in.streams = nil
	in.vi, in.ai = -1, -1
}

// streamKind classifies a packet's stream.
func (in *inputPipeline) streamKind(index int) av.Kind {
	for _, st := range in.streams {
		if st.Index == index {
			return st.Kind
		}
	}
	return av.KindUnknown
}

// streamInfo returns the descriptor for an input stream index.
func (in *inputPipeline) streamInfo(index int) (av.StreamInfo, error) {
	for _, st := range in.streams {
		if st.Index == index {
			return st, nil
		}
	}
	return av.StreamInfo{}, fmt.Errorf("unknown stream index %d", index)
}
