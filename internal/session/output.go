package session

import (
	"errors"
	"io"
	"log/slog"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/averr"
	"github.com/jmylchreest/recoder/internal/codec"
	"github.com/jmylchreest/recoder/internal/packetq"
)

// prerollDrop tracks the preroll-audio drop decision as an explicit state
// instead of a timestamp sentinel: armed when the encoder reports initial
// padding, resolved to the first muxed audio PTS, and matching packets are
// dropped from then on. A resolved PTS of zero drops nothing.
type prerollDrop struct {
	armed    bool
	resolved bool
	pts      int64
}

// outputPipeline owns one output's filter graphs, encoders, and muxer, plus
// the per-segment keyframe, preroll, and clip-window state.
type outputPipeline struct {
	desc   OutputDesc
	index  int
	lib    av.Library
	logger *slog.Logger

	muxer   av.Muxer
	vc, ac  av.Encoder
	hwType  codec.HWDevice
	vstream int // muxer stream index for video, -1 when absent
	astream int
	dv, da  bool

	vf, af filterAdapter
	// sf runs analysis frames through the session's shared graph.
	sf *filterAdapter

	drop prerollDrop

	// Clip window state. Audio offsets are in the input audio stream's time
	// base; video gating happens after filtering in the encoder time base.
	clipStarted         bool
	clipAudioStartPTS   int64
	clipAudioStartFound bool
	clipAudioFromPTS    int64
	clipAudioToPTS      int64
	clipVideoStartPTS   int64
	clipVideoStartFound bool
	clipVideoFromPTS    int64
	clipVideoToPTS      int64

	gopPTSLen  int64
	nextKeyPTS int64

	res  *OutputResults
	wctx *packetq.WriteContext

	// transmuxStreams maps input stream index to muxer stream index when
	// every input stream is mirrored.
	transmuxStreams map[int]int
}

// openMuxer allocates the muxer context, routed either to the output file
// or to the packet queue's staging writer.
func (o *outputPipeline) openMuxer(transmuxing bool) error {
	cfg := av.MuxerConfig{
		Name:     o.desc.Muxer.Name,
		Options:  o.desc.Muxer.Opts,
		Metadata: o.desc.Metadata,
	}
	if o.wctx != nil {
		cfg.Output = o.wctx
	} else {
		cfg.FileName = o.desc.FileName
	}
	if transmuxing {
		cfg.FlushEachPacket = true
	}
	m, err := o.lib.OpenMuxer(cfg)
	if err != nil {
		return averr.Wrap(averr.CodeOutputs, "opening muxer", err)
	}
	o.muxer = m
	return nil
}

// open builds the output for one segment: filters, encoders, muxer streams,
// and the header. A retained hardware video encoder is re-attached instead
// of reopened.
func (o *outputPipeline) open(in *inputPipeline, transmuxing bool) error {
	if o.desc.Analysis {
		// Analysis outputs run frames through the shared graph only; no
		// muxer, no encoders.
		if o.sf != nil && !o.sf.active {
			return o.initAnalysisFilters(in)
		}
		return nil
	}
	if transmuxing && o.muxer != nil {
		return nil // transmux outputs live across segments
	}
	if err := o.openMuxer(transmuxing); err != nil {
		return err
	}
	if transmuxing {
		if err := o.openTransmuxStreams(in); err != nil {
			o.free(false)
			return err
		}
		return o.writeHeader()
	}

	o.vstream, o.astream = -1, -1

	if in.vc != nil && codec.NeedsDecoder(o.desc.Video.Name) {
		if err := o.initVideoFilters(in); err != nil {
			o.free(false)
			return err
		}
		if o.vc == nil {
			if err := o.openVideoEncoder(in); err != nil {
				o.free(false)
				return err
			}
		}
		o.hwType = in.hwType
	}

	if in.vi >= 0 && !o.dv {
		if err := o.addVideoStream(in); err != nil {
			o.free(false)
			return err
		}
	}
	if err := o.openAudioOutput(in); err != nil {
		o.free(false)
		return err
	}
	if o.desc.SFilters != "" && o.sf != nil && !o.sf.active {
		if err := o.initAnalysisFilters(in); err != nil {
			o.free(false)
			return err
		}
	}
	o.setupClipWindow(in)
	return o.writeHeader()
}

func (o *outputPipeline) writeHeader() error {
	if err := o.muxer.WriteHeader(); err != nil {
		return averr.Wrap(averr.CodeOutputs, "writing header", err)
	}
	if o.wctx != nil {
		o.wctx.PushStaging(packetq.BeginOfOutput, -1)
	}
	return nil
}

// initVideoFilters builds the video filter graph from the decoder's output
// parameters. Already-active graphs are kept: filter state persists across
// segments by design.
func (o *outputPipeline) initVideoFilters(in *inputPipeline) error {
	if o.vf.active {
		return nil
	}
	st, err := in.streamInfo(in.vi)
	if err != nil {
		return averr.Wrap(averr.CodeFilters, "video filter source", err)
	}
	var hwFrames *av.HWFramePool
	if in.vc != nil {
		hwFrames = in.vc.HWFramePool()
	}
	graph, err := o.lib.OpenFilterGraph(av.FilterConfig{
		Kind:        av.KindVideo,
		Description: o.desc.VFilters,
		TimeBase:    st.TimeBase,
		Width:       st.Width,
		Height:      st.Height,
		PixFmt:      st.PixFmt,
		HWFrames:    hwFrames,
	})
	if err != nil {
		return averr.Wrap(averr.CodeFilters, "parsing video filter description", err)
	}
	o.vf.open(graph, av.KindVideo, hwFrames)
	return nil
}

// reinitVideoFilters rebuilds the graph after the decoder replaced its
// hardware frame pool mid-stream.
func (o *outputPipeline) reinitVideoFilters(in *inputPipeline) error {
	if o.vf.graph != nil {
		o.vf.graph.Close()
	}
	o.vf.active = false
	o.vf.graph = nil
	return o.initVideoFilters(in)
}

// initAudioFilters builds the audio resampling graph. The output format is
// pinned so the encoder sees a stable layout regardless of input.
func (o *outputPipeline) initAudioFilters(in *inputPipeline) error {
	if o.af.active {
		return nil
	}
	st, err := in.streamInfo(in.ai)
	if err != nil {
		return averr.Wrap(averr.CodeFilters, "audio filter source", err)
	}
	graph, err := o.lib.OpenFilterGraph(av.FilterConfig{
		Kind:          av.KindAudio,
		Description:   "aformat=sample_fmts=fltp:channel_layouts=stereo:sample_rates=44100",
		TimeBase:      st.TimeBase,
		SampleRate:    st.SampleRate,
		Channels:      st.Channels,
		ChannelLayout: st.ChannelLayout,
		SampleFmt:     st.SampleFmt,
	})
	if err != nil {
		return averr.Wrap(averr.CodeFilters, "parsing audio filter description", err)
	}
	o.af.open(graph, av.KindAudio, nil)
	return nil
}

// initAnalysisFilters activates the session's shared analysis graph for this
// output. Frames reach it as decoded; SFilters is not applied.
func (o *outputPipeline) initAnalysisFilters(in *inputPipeline) error {
	o.sf.kind = av.KindVideo
	o.sf.active = true
	o.sf.ptsDiff = ptsDiffUnset
	if o.res.Scores == nil {
		o.res.Scores = make([]float64, MaxClassify)
	}
	return nil
}

// openVideoEncoder derives encoder parameters from the filter sink and
// opens the encoder.
func (o *outputPipeline) openVideoEncoder(in *inputPipeline) error {
	sink := o.vf.graph.Sink()
	st, err := in.streamInfo(in.vi)
	if err != nil {
		return averr.Wrap(averr.CodeOutputs, "video encoder params", err)
	}
	cfg := av.EncoderConfig{
		Name:    o.desc.Video.Name,
		Options: o.desc.Video.Opts,
		Width:   sink.Width,
		Height:  sink.Height,
		PixFmt:  sink.PixFmt,
	}
	switch {
	case !o.desc.FPS.IsZero():
		cfg.FrameRate = sink.FrameRate
		cfg.TimeBase = sink.TimeBase
	case !st.FrameRate.IsZero():
		cfg.FrameRate = st.FrameRate
		cfg.TimeBase = st.TimeBase
	default:
		cfg.TimeBase = st.TimeBase
	}
	if o.desc.BitRate != 0 {
		cfg.BitRate = o.desc.BitRate
	}
	if sink.HWFrames != nil {
		cfg.HWFrames = sink.HWFrames
	}
	cfg.GlobalHeader = o.muxer.RequiresGlobalHeader()

	enc, err := o.lib.OpenEncoder(cfg)
	if err != nil {
		return averr.Wrap(averr.CodeOutputs, "opening video encoder", err)
	}
	o.vc = enc
	return nil
}

// addVideoStream registers the video stream with the muxer: parameters come
// from the input stream in copy mode, from the opened encoder otherwise.
// GOP control state is derived here because the destination time base is
// only now known.
func (o *outputPipeline) addVideoStream(in *inputPipeline) error {
	ist, err := in.streamInfo(in.vi)
	if err != nil {
		return averr.Wrap(averr.CodeOutputs, "input video stream does not exist", err)
	}
	var st av.StreamInfo
	switch {
	case codec.IsCopy(o.desc.Video.Name):
		st = ist
	case o.vc != nil:
		st = o.vc.StreamInfo()
		st.TimeBase = o.vc.TimeBase()
		if o.desc.GOPTime != 0 {
			// The framerate filter outputs PTS incrementing by one per frame,
			// non-framerate graphs retain the input time base.
			gopTB := av.NewRational(1, 1000)
			destTB := ist.TimeBase
			if !o.desc.FPS.IsZero() {
				destTB = o.desc.FPS.Inv()
			}
			o.gopPTSLen = av.Rescale(o.desc.GOPTime, gopTB, destTB)
			o.nextKeyPTS = 0 // force an I-frame first
		}
	default:
		return averr.New(averr.CodeOutputs, "no video encoder and not a copy")
	}
	if !o.desc.FPS.IsZero() {
		st.FrameRate = o.desc.FPS
	} else {
		st.FrameRate = ist.FrameRate
	}
	idx, err := o.muxer.AddStream(st)
	if err != nil {
		return averr.Wrap(averr.CodeOutputs, "adding video stream", err)
	}
	o.vstream = idx
	return nil
}

// openAudioOutput opens the audio filter + encoder when this output encodes
// audio, then registers the audio stream.
func (o *outputPipeline) openAudioOutput(in *inputPipeline) error {
	if in.ac != nil && codec.NeedsDecoder(o.desc.Audio.Name) {
		if err := o.initAudioFilters(in); err != nil {
			return err
		}
		if o.ac == nil {
			sink := o.af.graph.Sink()
			enc, err := o.lib.OpenEncoder(av.EncoderConfig{
				Name:          o.desc.Audio.Name,
				Options:       o.desc.Audio.Opts,
				SampleFmt:     sink.SampleFmt,
				ChannelLayout: sink.ChannelLayout,
				Channels:      sink.Channels,
				SampleRate:    sink.SampleRate,
				TimeBase:      sink.TimeBase,
				GlobalHeader:  o.muxer.RequiresGlobalHeader(),
			})
			if err != nil {
				return averr.Wrap(averr.CodeOutputs, "opening audio encoder", err)
			}
			o.ac = enc
			// Align sink buffering with the encoder's frame size.
			o.af.graph.SetFrameSize(enc.FrameSize())
		}
	}
	return o.addAudioStream(in)
}

func (o *outputPipeline) addAudioStream(in *inputPipeline) error {
	if in.ai < 0 || o.da {
		return nil
	}
	ist, err := in.streamInfo(in.ai)
	if err != nil {
		return averr.Wrap(averr.CodeOutputs, "input audio stream does not exist", err)
	}
	var st av.StreamInfo
	switch {
	case codec.IsCopy(o.desc.Audio.Name):
		st = ist
	case o.ac != nil:
		st = o.ac.StreamInfo()
		st.TimeBase = o.ac.TimeBase()
	default:
		return averr.New(averr.CodeOutputs, "no audio encoder and not a copy")
	}
	idx, err := o.muxer.AddStream(st)
	if err != nil {
		return averr.Wrap(averr.CodeOutputs, "adding audio stream", err)
	}
	o.astream = idx

	// Arm the preroll drop when the encoder pads its first output.
	if st.InitialPadding != 0 {
		o.drop = prerollDrop{armed: true}
	}
	return nil
}

// openTransmuxStreams mirrors every input stream onto the muxer.
func (o *outputPipeline) openTransmuxStreams(in *inputPipeline) error {
	o.transmuxStreams = make(map[int]int, len(in.streams))
	for _, ist := range in.streams {
		st := ist
		if !o.desc.FPS.IsZero() {
			st.FrameRate = o.desc.FPS
		}
		idx, err := o.muxer.AddStream(st)
		if err != nil {
			return averr.Wrap(averr.CodeOutputs, "adding transmux stream", err)
		}
		o.transmuxStreams[ist.Index] = idx
	}
	return nil
}

// setupClipWindow precomputes clip offsets in the relevant time bases.
func (o *outputPipeline) setupClipWindow(in *inputPipeline) {
	if o.desc.ClipFrom == 0 && o.desc.ClipTo == 0 {
		return
	}
	msTB := av.NewRational(1, 1000)
	if in.ai >= 0 {
		if st, err := in.streamInfo(in.ai); err == nil {
			o.clipAudioFromPTS = av.Rescale(o.desc.ClipFrom, msTB, st.TimeBase)
			o.clipAudioToPTS = av.Rescale(o.desc.ClipTo, msTB, st.TimeBase)
		}
	}
	videoTB := o.videoFrameTB(in)
	o.clipVideoFromPTS = av.Rescale(o.desc.ClipFrom, msTB, videoTB)
	o.clipVideoToPTS = av.Rescale(o.desc.ClipTo, msTB, videoTB)
}

// videoFrameTB is the time base of frames arriving at the video encoder.
func (o *outputPipeline) videoFrameTB(in *inputPipeline) av.Rational {
	if o.vc != nil {
		return o.vc.TimeBase()
	}
	if in.vi >= 0 {
		if st, err := in.streamInfo(in.vi); err == nil {
			return st.TimeBase
		}
	}
	return av.NewRational(1, 1000)
}

// clipVideoKeep gates a filtered video frame against the clip window. The
// first kept frame of a clip must be video, so audio gating keys off
// clipStarted.
func (o *outputPipeline) clipVideoKeep(pts int64) bool {
	if o.desc.ClipFrom == 0 && o.desc.ClipTo == 0 {
		return true
	}
	if !o.clipVideoStartFound {
		o.clipVideoStartPTS = pts
		o.clipVideoStartFound = true
	}
	rel := pts - o.clipVideoStartPTS
	if o.desc.ClipFrom != 0 && rel < o.clipVideoFromPTS {
		return false
	}
	if o.desc.ClipTo != 0 && rel > o.clipVideoToPTS {
		return false
	}
	o.clipStarted = true
	return true
}

// clipAudioKeep gates an audio packet (copy path and encode path alike)
// against the clip window, in the input audio stream's time base.
func (o *outputPipeline) clipAudioKeep(pts int64) (keep bool, offset int64) {
	if o.desc.ClipFrom == 0 && o.desc.ClipTo == 0 {
		return true, 0
	}
	if !o.clipAudioStartFound {
		o.clipAudioStartPTS = pts
		o.clipAudioStartFound = true
	}
	if o.desc.ClipTo != 0 && pts > o.clipAudioToPTS+o.clipAudioStartPTS {
		return false, 0
	}
	if o.desc.ClipFrom != 0 && !o.clipStarted {
		// first kept output frame must be video
		return false, 0
	}
	if o.desc.ClipFrom != 0 && pts < o.clipAudioFromPTS+o.clipAudioStartPTS {
		return false, 0
	}
	if o.desc.ClipFrom != 0 {
		return true, o.clipAudioFromPTS + o.clipAudioStartPTS
	}
	return true, 0
}

// mux rescales pkt from tb to the stream's time base, applies the preroll
// drop, and writes it interleaved. The caller owns pkt.
func (o *outputPipeline) mux(pkt *av.Packet, tb av.Rational, stream int, kind av.Kind) error {
	pkt.StreamIndex = stream
	stb := o.muxer.StreamTimeBase(stream)
	if tb.Cmp(stb) != 0 {
		pkt.PTS = av.Rescale(pkt.PTS, tb, stb)
		pkt.DTS = av.Rescale(pkt.DTS, tb, stb)
		pkt.Duration = av.Rescale(pkt.Duration, tb, stb)
		pkt.TimeBase = stb
	}

	// Drop preroll audio. May need several packets for multichannel; in
	// practice one has sufficed.
	if kind == av.KindAudio && o.drop.armed {
		if !o.drop.resolved {
			o.drop.resolved = true
			o.drop.pts = pkt.PTS
		}
		if pkt.PTS != 0 && pkt.PTS == o.drop.pts {
			return nil
		}
	}

	if err := o.muxer.WritePacket(pkt); err != nil {
		return err
	}
	if o.wctx != nil {
		o.wctx.PushStaging(packetq.PacketOutput, pkt.PTS)
	}
	return nil
}

// encode pushes one frame into enc and muxes everything the encoder gives
// back. A nil frame drains. The first video frame of an output is forced to
// an I-frame so every segment starts decodable.
func (o *outputPipeline) encode(enc av.Encoder, frame *av.Frame, stream int, kind av.Kind) error {
	if kind == av.KindVideo && frame != nil {
		if o.res.Frames == 0 {
			frame.Pict = av.PictureI
		}
		o.res.Frames++
		si := enc.StreamInfo()
		o.res.Pixels += int64(si.Width) * int64(si.Height)
	}

	// Sending nil closes mediacodec encoders for good; flush their buffers
	// instead and keep the context alive.
	if frame != nil || o.hwType != codec.HWMediaCodec {
		if err := enc.SendFrame(frame); err != nil && !errors.Is(err, io.EOF) {
			return averr.Wrap(averr.CodeOutputs, "sending frame to encoder", err)
		}
	}
	if kind == av.KindVideo && o.hwType == codec.HWMediaCodec && frame == nil {
		enc.FlushBuffers()
	}

	for {
		var pkt av.Packet
		err := enc.ReceivePacket(&pkt)
		if errors.Is(err, av.ErrAgain) || errors.Is(err, io.EOF) {
			return err
		}
		if err != nil {
			return averr.Wrap(averr.CodeOutputs, "receiving packet from encoder", err)
		}
		if err := o.mux(&pkt, enc.TimeBase(), stream, kind); err != nil {
			return err
		}
		if kind == av.KindVideo {
			o.res.VideoPackets++
		} else {
			o.res.AudioPackets++
		}
	}
}

// processOut drives one decoded frame (or a flush when inf is nil) through
// the filter adapter and encoder for one medium.
func (o *outputPipeline) processOut(in *inputPipeline, enc av.Encoder, stream int, filter *filterAdapter, inf *av.Frame, kind av.Kind) error {
	if enc == nil {
		return averr.New(averr.CodeOutputs, "no encoder for medium")
	}
	if filter == nil || !filter.active {
		return o.encode(enc, inf, stream, kind)
	}

	fps := o.desc.FPS
	var inputTB av.Rational
	var lastFrame *av.Frame
	if kind == av.KindVideo {
		if st, err := in.streamInfo(in.vi); err == nil {
			inputTB = st.TimeBase
		}
		lastFrame = in.lastFrameV
	} else {
		if st, err := in.streamInfo(in.ai); err == nil {
			inputTB = st.TimeBase
		}
		lastFrame = in.lastFrameA
		fps = av.Rational{}
	}

	err := filter.write(inf, fps, inputTB, lastFrame, func() error {
		return o.reinitVideoFilters(in)
	})
	if err != nil {
		return err
	}

	for {
		frame, err := filter.read(fps, inputTB)
		switch {
		case errors.Is(err, averr.ErrFilterFlushed):
			continue
		case errors.Is(err, av.ErrAgain) || errors.Is(err, io.EOF):
			// No frame from the graph: only proceed to drain the encoder
			// when the caller is flushing.
			if inf != nil {
				return err
			}
			frame = nil
		case err != nil:
			return err
		}

		if frame != nil && kind == av.KindVideo && !o.clipVideoKeep(frame.PTS) {
			continue
		}

		// Force a keyframe when the GOP schedule says so.
		if kind == av.KindVideo && o.gopPTSLen != 0 && frame != nil && frame.PTS >= o.nextKeyPTS {
			frame.Pict = av.PictureI
			o.nextKeyPTS = frame.PTS + o.gopPTSLen
		}

		err = o.encode(enc, frame, stream, kind)
		if frame == nil {
			// Hardware encoders stay open and only ever return ErrAgain;
			// translate it to EOF so the flush terminates.
			if o.hwType == codec.HWMediaCodec && errors.Is(err, av.ErrAgain) && inf == nil {
				return io.EOF
			}
			return err
		}
		if err != nil && !errors.Is(err, av.ErrAgain) && !errors.Is(err, io.EOF) {
			return err
		}
	}
}

// analyzeFrame runs one decoded frame, unscaled, through the shared analysis
// graph and accumulates class scores.
func (o *outputPipeline) analyzeFrame(frame *av.Frame) {
	if o.sf == nil || !o.sf.active || frame == nil {
		return
	}
	o.res.Frames++
	if o.sf.graph == nil {
		return
	}
	if err := o.sf.graph.WriteFrame(frame); err != nil {
		return
	}
	var out av.Frame
	for o.sf.graph.ReadFrame(&out) == nil {
		for i := 0; i < len(o.res.Scores) && i < len(out.Data); i++ {
			o.res.Scores[i] += float64(out.Data[i]) / 255
		}
	}
}

// flush drains filters, encoders, and the muxer at segment end.
func (o *outputPipeline) flush(in *inputPipeline) error {
	if o.vc != nil {
		var err error
		for err == nil || errors.Is(err, av.ErrAgain) {
			err = o.processOut(in, o.vc, o.vstream, &o.vf, nil, av.KindVideo)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	if o.ac != nil {
		var err error
		for err == nil || errors.Is(err, av.ErrAgain) {
			err = o.processOut(in, o.ac, o.astream, &o.af, nil, av.KindAudio)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return o.muxer.Flush()
}

// closeSegment flushes the muxer trailer and releases per-segment state.
// With preserveHW a hardware video encoder survives to the next segment;
// software encoders and the audio encoder are always closed.
func (o *outputPipeline) closeSegment(preserveHW bool) error {
	var trailerErr error
	if o.muxer != nil {
		trailerErr = o.muxer.WriteTrailer()
		o.muxer.Close()
		o.muxer = nil
		if o.wctx != nil {
			o.wctx.PushStaging(packetq.EndOfOutput, -1)
		}
	}
	keepVideo := preserveHW && o.hwType != codec.HWNone
	if o.vc != nil && !keepVideo {
		o.vc.Close()
		o.vc = nil
	}
	if o.ac != nil {
		o.ac.Close()
		o.ac = nil
	}
	o.vf.closeSegment()
	o.af.closeSegment()
	o.drop = prerollDrop{}
	o.clipStarted = false
	o.clipAudioStartFound = false
	o.clipVideoStartFound = false
	if trailerErr != nil {
		return averr.Wrap(averr.CodeOutputs, "writing trailer", trailerErr)
	}
	return nil
}

// free tears the output down completely.
func (o *outputPipeline) free(preserveHW bool) {
	o.closeSegment(preserveHW)
	if !preserveHW && o.vc != nil {
		o.vc.Close()
		o.vc = nil
	}
	o.vf.free()
	o.af.free()
	o.transmuxStreams = nil
}
