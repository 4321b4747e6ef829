package session

import (
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/averr"
	"github.com/jmylchreest/recoder/internal/codec"
	"github.com/jmylchreest/recoder/internal/fifo"
	"github.com/jmylchreest/recoder/internal/observability"
	"github.com/jmylchreest/recoder/internal/packetq"
	"github.com/jmylchreest/recoder/internal/streambuf"
)

// AnalysisConfig describes the shared analysis filter graph built at
// session creation for analysis-only outputs.
type AnalysisConfig struct {
	ModelPath      string
	Input          string
	Output         string
	BackendConfigs string
}

// Session is the per-stream transcode session. It owns one input pipeline
// and up to MaxOutputs output pipelines, and retains expensive state
// (hardware devices, decoders, encoders, filter graphs) across the segments
// of one logical stream.
//
// Transcode and Stop must not overlap; the push- and pull-side methods are
// safe to call from their own goroutines.
type Session struct {
	id     uuid.UUID
	logger *slog.Logger
	lib    av.Library

	in        inputPipeline
	outputs   []*outputPipeline
	nbOutputs int
	// prevAnalysis remembers which configured outputs were analysis-only,
	// for the cross-segment configuration check.
	prevAnalysis [MaxOutputs]bool

	analysisGraph av.FilterGraph

	inputBuffer *streambuf.Buffer
	outputQueue *packetq.Queue
	useBuffer   bool

	staging *fifo.Queue

	stopped bool
}

// Option configures a Session at creation.
type Option func(*Session)

// WithLibrary injects the codec backend.
func WithLibrary(lib av.Library) Option {
	return func(s *Session) { s.lib = lib }
}

// WithLogger sets the session's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithAnalysis builds the shared analysis graph used by analysis-only
// outputs.
func WithAnalysis(cfg AnalysisConfig) Option {
	return func(s *Session) {
		if s.lib == nil {
			return
		}
		graph, err := s.lib.OpenFilterGraph(av.FilterConfig{
			Kind: av.KindVideo,
			Description: "analysis=model=" + cfg.ModelPath + ":input=" + cfg.Input +
				":output=" + cfg.Output + ":backend_configs=" + cfg.BackendConfigs,
		})
		if err != nil {
			averr.Log(s.logger, averr.Wrap(averr.CodeFilters, "opening analysis graph", err))
			return
		}
		s.analysisGraph = graph
	}
}

// New creates an empty session. Options are applied in order, so
// WithLibrary must precede WithAnalysis.
func New(opts ...Option) *Session {
	s := &Session{
		id:          uuid.New(),
		logger:      slog.Default(),
		inputBuffer: streambuf.New(),
		outputQueue: packetq.New(),
		staging:     fifo.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.WithSession(
		observability.WithComponent(s.logger, "session"), s.id.String())
	s.in = newInputPipeline(s.lib, s.logger)
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Discontinuity marks all streams so the next packet of each establishes a
// new timestamp offset. Timestamps are rewritten only in transmuxing
// segments; other segments leave packet timestamps unchanged.
func (s *Session) Discontinuity() {
	s.in.markDiscontinuity()
}

// PushReset enables or disables push mode and clears the byte buffer and
// packet queue. Call between segments only.
func (s *Session) PushReset(enable bool) {
	s.inputBuffer.Reset()
	s.outputQueue.Reset()
	s.useBuffer = enable
}

// PushBytes feeds input bytes; blocks while the buffer is full.
func (s *Session) PushBytes(b []byte) {
	s.inputBuffer.PutBytes(b)
}

// PushEOF signals that the current segment's bytes are complete.
func (s *Session) PushEOF() {
	s.inputBuffer.EndOfStream()
}

// PushError aborts the in-flight segment: the demuxer's next read fails and
// the error bubbles out of Transcode.
func (s *Session) PushError(code streambuf.ErrorCode) {
	s.inputBuffer.SetError(code)
}

// PeekPacket blocks until a muxed output packet is available.
func (s *Session) PeekPacket() *packetq.Packet {
	return s.outputQueue.PeekFront()
}

// PopPacket removes the front output packet.
func (s *Session) PopPacket() {
	s.outputQueue.PopFront()
}

// checkOutputsChange enforces the cross-segment configuration rule: the
// output list may only change by adding or removing analysis-only outputs.
// The rule is symmetric; whichever configuration describes the outputs in
// the disputed index range is the one consulted.
func (s *Session) checkOutputsChange(outputs []OutputDesc) error {
	if s.nbOutputs == 0 || s.nbOutputs == len(outputs) {
		return nil
	}
	lo, hi := s.nbOutputs, len(outputs)
	grew := true
	if lo > hi {
		lo, hi = hi, lo
		grew = false
	}
	for i := lo; i < hi; i++ {
		analysis := s.prevAnalysis[i]
		if grew {
			analysis = outputs[i].Analysis
		}
		if !analysis {
			return averr.New(averr.CodeOutputs, "output configuration changed between segments")
		}
	}
	return nil
}

// Transcode runs one segment through the session. It returns the input-side
// counters and one result per output.
func (s *Session) Transcode(input InputDesc, outputs []OutputDesc) (DecodedResults, []OutputResults, error) {
	var decoded DecodedResults
	results := make([]OutputResults, len(outputs))

	if s.lib == nil {
		return decoded, results, averr.New(averr.CodeInputs, "no codec backend configured")
	}
	if len(outputs) > MaxOutputs {
		return decoded, results, averr.New(averr.CodeOutputs, "too many outputs")
	}
	if err := s.checkOutputsChange(outputs); err != nil {
		return decoded, results, err
	}

	err := s.transcodeSegment(input, outputs, &decoded, results)

	// Retain the hardware decoder and hardware video encoders: they are the
	// expensive part of per-segment initialisation.
	s.in.free(true)
	if !input.Transmuxing {
		for _, o := range s.outputs {
			if cerr := o.closeSegment(true); cerr != nil {
				averr.Log(s.logger, cerr)
				if err == nil {
					err = cerr
				}
			}
		}
	}

	// The end marker goes out last, after every output's trailer, so the
	// consumer terminates only once all packets are behind it.
	if s.useBuffer {
		s.outputQueue.PushEnd()
	}
	return decoded, results, err
}

func (s *Session) transcodeSegment(input InputDesc, outputs []OutputDesc, decoded *DecodedResults, results []OutputResults) error {
	s.configureOutputs(outputs, results)

	// Decide whether the input decoders are needed at all: decoding is
	// skipped only when every output copies or drops that medium.
	decodeV, decodeA := 0, 0
	for i := range outputs {
		if !codec.NeedsDecoder(outputs[i].Video.Name) {
			decodeV++
		}
		if !codec.NeedsDecoder(outputs[i].Audio.Name) {
			decodeA++
		}
	}
	s.in.dv = decodeV == len(outputs)
	s.in.da = decodeA == len(outputs)

	var buf *streambuf.Buffer
	if s.useBuffer {
		buf = s.inputBuffer
	}
	if err := s.in.open(input, buf); err != nil {
		averr.Log(s.logger, err)
		return err
	}

	for i := range outputs {
		o := s.outputs[i]
		o.dv = s.in.vi < 0 || codec.IsDrop(o.desc.Video.Name)
		o.da = s.in.ai < 0 || codec.IsDrop(o.desc.Audio.Name)
	}

	// With a hardware decoder the filter graphs depend on the decoder's
	// settled output format, which is only known after the first decoded
	// frame. Park the early packets and replay them after opening outputs.
	if s.in.hwType != codec.HWNone && s.in.vc != nil {
		if err := s.primeDecoder(); err != nil && !errors.Is(err, io.EOF) {
			averr.Log(s.logger, err)
			return err
		}
	}

	for i := range outputs {
		if err := s.outputs[i].open(&s.in, input.Transmuxing); err != nil {
			averr.Log(s.logger, err)
			return err
		}
	}

	if err := s.runSegment(decoded); err != nil {
		return err
	}
	return s.flushAllOutputs(input.Transmuxing)
}

// configureOutputs (re)binds output pipelines to this segment's descriptors.
func (s *Session) configureOutputs(outputs []OutputDesc, results []OutputResults) {
	// Analysis outputs removed by this segment's configuration are released.
	for i := len(outputs); i < len(s.outputs); i++ {
		s.outputs[i].free(false)
	}
	if len(s.outputs) < len(outputs) {
		for i := len(s.outputs); i < len(outputs); i++ {
			s.outputs = append(s.outputs, &outputPipeline{index: i})
		}
	}
	s.outputs = s.outputs[:len(outputs)]
	for i := range outputs {
		o := s.outputs[i]
		o.desc = outputs[i]
		o.lib = s.lib
		o.logger = s.logger
		o.res = &results[i]
		if s.useBuffer {
			o.wctx = packetq.NewWriteContext(s.outputQueue, i)
		} else {
			o.wctx = nil
		}
		if outputs[i].Analysis && s.analysisGraph != nil {
			if o.sf == nil {
				o.sf = &filterAdapter{graph: s.analysisGraph}
			}
			results[i].Scores = make([]float64, MaxClassify)
		}
		s.prevAnalysis[i] = outputs[i].Analysis
	}
	s.nbOutputs = len(outputs)
}

// primeDecoder reads and decodes packets until the hardware decoder has
// produced its first frame (or input ends), staging every step for replay.
func (s *Session) primeDecoder() error {
	var pkt av.Packet
	var frame av.Frame
	for {
		if err := s.in.demuxer.ReadPacket(&pkt); err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return averr.Wrap(averr.CodeInputs, "unable to read input", err)
		}
		kind := s.in.streamKind(pkt.StreamIndex)
		if kind != av.KindVideo || pkt.StreamIndex != s.in.vi {
			s.staging.Write(&pkt, nil, averr.ErrPacketOnly)
			continue
		}
		s.in.cacheFirstKeyframe(&pkt)
		if err := s.in.sendPacket(s.in.vc, &pkt); err != nil {
			return averr.Wrap(averr.CodeInputs, "sending packet to decoder", err)
		}
		err := s.in.receiveFrame(s.in.vc, &frame)
		switch {
		case errors.Is(err, av.ErrAgain):
			// The packet is still useful for copy-mode outputs even though
			// no frame came back yet.
			s.staging.Write(&pkt, nil, averr.ErrPacketOnly)
		case err != nil:
			return averr.Wrap(averr.CodeInputs, "receiving frame from decoder", err)
		default:
			s.staging.Write(&pkt, &frame, nil)
			return nil // decoder settled
		}
	}
}

// runSegment is the main demux/decode/filter/encode loop for one segment.
func (s *Session) runSegment(decoded *DecodedResults) error {
	var pkt av.Packet
	var frame av.Frame

	// Replay steps parked while the hardware decoder settled.
	for {
		item, ok := s.staging.Read()
		if !ok {
			break
		}
		var f *av.Frame
		if item.Verdict == nil {
			f = item.Frame
		}
		if err := s.dispatchPacket(item.Pkt, f, true, decoded); err != nil {
			return err
		}
	}

	for {
		err := s.in.demuxer.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e := averr.Wrap(averr.CodeInputs, "unable to read input", err)
			averr.Log(s.logger, e)
			return e
		}
		if err := s.dispatchPacket(&pkt, nil, false, decoded); err != nil {
			return err
		}
	}

	// Demuxer finished; drain frames still buffered in the decoders.
	for {
		streamIndex, err := s.in.flushIn(&frame)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, av.ErrAgain) {
			continue
		}
		if err != nil {
			averr.Log(s.logger, err)
			return err
		}
		st, serr := s.in.streamInfo(streamIndex)
		if serr != nil {
			continue
		}
		switch st.Kind {
		case av.KindVideo:
			if err := s.handleVideoFrame(&frame, st, decoded); err != nil {
				return err
			}
		case av.KindAudio:
			if err := s.handleAudioFrame(&frame, st, decoded); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchPacket routes one demuxed packet. preDecoded carries a frame
// already produced during decoder priming.
func (s *Session) dispatchPacket(pkt *av.Packet, frame *av.Frame, preDecoded bool, decoded *DecodedResults) error {
	switch s.in.streamKind(pkt.StreamIndex) {
	case av.KindVideo:
		return s.handleVideoPacket(pkt, frame, preDecoded, decoded)
	case av.KindAudio:
		return s.handleAudioPacket(pkt, decoded)
	case av.KindData, av.KindUnknown:
		return s.handleOtherPacket(pkt, decoded)
	}
	return nil
}

func (s *Session) handleVideoPacket(pkt *av.Packet, frame *av.Frame, preDecoded bool, decoded *DecodedResults) error {
	decoded.VideoPackets++
	st, err := s.in.streamInfo(pkt.StreamIndex)
	if err != nil {
		return nil // unknown stream: drop silently
	}

	s.in.cacheFirstKeyframe(pkt)
	if s.in.transmuxing {
		s.in.handleDiscontinuity(pkt)
	}

	// Mux the raw packet into outputs that take it as-is.
	for _, o := range s.outputs {
		ostream := -1
		switch {
		case s.in.transmuxing:
			var ok bool
			if ostream, ok = o.transmuxStreams[pkt.StreamIndex]; !ok {
				continue
			}
		case pkt.StreamIndex == s.in.vi:
			if o.dv {
				continue // drop video
			}
			if o.vc == nil && !o.desc.Analysis {
				ostream = o.vstream
			}
		}
		if ostream < 0 {
			continue
		}
		opkt := pkt.Clone()
		if err := o.mux(opkt, st.TimeBase, ostream, av.KindVideo); err != nil {
			e := averr.Wrap(averr.CodeOutputs, "video packet muxing error", err)
			averr.Log(s.logger, e)
			return e
		}
		o.res.VideoPackets++
	}

	// Decode if this is the selected video stream and a decoder is open.
	if pkt.StreamIndex != s.in.vi || s.in.vc == nil {
		return nil
	}
	if !preDecoded {
		if err := s.in.sendPacket(s.in.vc, pkt); err != nil {
			e := averr.Wrap(averr.CodeInputs, "error sending video packet to decoder", err)
			averr.Log(s.logger, e)
			return e
		}
		var f av.Frame
		err := s.in.receiveFrame(s.in.vc, &f)
		if errors.Is(err, av.ErrAgain) {
			// The packet fed in may not be enough to complete decoding; the
			// loop will read the next one and retry.
			return nil
		}
		if err != nil {
			e := averr.Wrap(averr.CodeInputs, "error receiving video frame from decoder", err)
			averr.Log(s.logger, e)
			return e
		}
		frame = &f
	}
	if frame == nil {
		return nil
	}
	return s.handleVideoFrame(frame, st, decoded)
}

func (s *Session) handleVideoFrame(frame *av.Frame, st av.StreamInfo, decoded *DecodedResults) error {
	if isFlushFrame(frame) {
		return nil
	}
	decoded.Frames++
	decoded.VideoFrames++
	decoded.Pixels += int64(frame.Width) * int64(frame.Height)

	s.in.frameDuration(frame, st)
	s.in.keepLastFrame(frame, av.KindVideo)

	for _, o := range s.outputs {
		if o.desc.Analysis {
			o.analyzeFrame(frame)
			continue
		}
		if o.vc == nil {
			continue
		}
		err := o.processOut(&s.in, o.vc, o.vstream, &o.vf, frame, av.KindVideo)
		if errors.Is(err, av.ErrAgain) || errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			averr.Log(s.logger, err)
			return err
		}
	}
	return nil
}

func (s *Session) handleAudioPacket(pkt *av.Packet, decoded *DecodedResults) error {
	decoded.AudioPackets++
	st, err := s.in.streamInfo(pkt.StreamIndex)
	if err != nil {
		return nil
	}

	if s.in.transmuxing {
		s.in.handleDiscontinuity(pkt)
	}

	for _, o := range s.outputs {
		ostream := -1
		switch {
		case s.in.transmuxing:
			var ok bool
			if ostream, ok = o.transmuxStreams[pkt.StreamIndex]; !ok {
				continue
			}
		case pkt.StreamIndex == s.in.ai:
			if o.da {
				continue // drop audio
			}
			if o.ac == nil && !o.desc.Analysis {
				ostream = o.astream
			}
		}
		if ostream < 0 {
			continue
		}
		var offset int64
		if pkt.StreamIndex == s.in.ai {
			keep, off := o.clipAudioKeep(pkt.PTS)
			if !keep {
				continue
			}
			offset = off
		}
		opkt := pkt.Clone()
		opkt.PTS -= offset
		opkt.DTS -= offset
		if err := o.mux(opkt, st.TimeBase, ostream, av.KindAudio); err != nil {
			e := averr.Wrap(averr.CodeOutputs, "audio packet muxing error", err)
			averr.Log(s.logger, e)
			return e
		}
		o.res.AudioPackets++
	}

	if pkt.StreamIndex != s.in.ai || s.in.ac == nil {
		return nil
	}
	if err := s.in.sendPacket(s.in.ac, pkt); err != nil {
		e := averr.Wrap(averr.CodeInputs, "error sending audio packet to decoder", err)
		averr.Log(s.logger, e)
		return e
	}
	var frame av.Frame
	derr := s.in.receiveFrame(s.in.ac, &frame)
	if errors.Is(derr, av.ErrAgain) {
		return nil
	}
	if derr != nil {
		e := averr.Wrap(averr.CodeInputs, "error receiving audio frame from decoder", derr)
		averr.Log(s.logger, e)
		return e
	}
	return s.handleAudioFrame(&frame, st, decoded)
}

func (s *Session) handleAudioFrame(frame *av.Frame, st av.StreamInfo, decoded *DecodedResults) error {
	decoded.AudioFrames++

	s.in.frameDuration(frame, st)
	s.in.keepLastFrame(frame, av.KindAudio)

	for _, o := range s.outputs {
		if o.ac == nil {
			continue
		}
		if keep, _ := o.clipAudioKeep(frame.PTS); !keep {
			continue
		}
		err := o.processOut(&s.in, o.ac, o.astream, &o.af, frame, av.KindAudio)
		if errors.Is(err, av.ErrAgain) || errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			averr.Log(s.logger, err)
			return err
		}
	}
	return nil
}

func (s *Session) handleOtherPacket(pkt *av.Packet, decoded *DecodedResults) error {
	decoded.OtherPackets++
	st, err := s.in.streamInfo(pkt.StreamIndex)
	if err != nil {
		return nil
	}
	if !s.in.transmuxing {
		return nil
	}
	s.in.handleDiscontinuity(pkt)
	for _, o := range s.outputs {
		ostream, ok := o.transmuxStreams[pkt.StreamIndex]
		if !ok {
			continue
		}
		opkt := pkt.Clone()
		if err := o.mux(opkt, st.TimeBase, ostream, av.KindData); err != nil {
			e := averr.Wrap(averr.CodeOutputs, "other packet muxing error", err)
			averr.Log(s.logger, e)
			return e
		}
		o.res.OtherPackets++
	}
	return nil
}

// flushAllOutputs drains filters, encoders, and muxers at segment end. In
// transmuxing mode only the muxer buffers are flushed; the outputs stay
// open until Stop.
func (s *Session) flushAllOutputs(transmuxing bool) error {
	for _, o := range s.outputs {
		switch {
		case transmuxing:
			if err := o.muxer.Flush(); err != nil {
				return averr.Wrap(averr.CodeOutputs, "flushing transmux output", err)
			}
		case o.desc.Analysis:
			if o.res.Frames > 0 {
				for i := range o.res.Scores {
					o.res.Scores[i] /= float64(o.res.Frames)
				}
			}
		default:
			if err := o.flush(&s.in); err != nil {
				averr.Log(s.logger, err)
				return err
			}
		}
	}
	return nil
}

// Stop tears the session down. Must be called exactly once, and never
// concurrently with Transcode.
func (s *Session) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.in.free(false)
	for _, o := range s.outputs {
		o.free(false)
	}
	if s.analysisGraph != nil {
		s.analysisGraph.Close()
		s.analysisGraph = nil
	}
	s.staging.Drain()
	s.inputBuffer.Reset()
	s.outputQueue.Reset()
}
