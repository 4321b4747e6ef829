package session

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/av/avtest"
	"github.com/jmylchreest/recoder/internal/averr"
	"github.com/jmylchreest/recoder/internal/codec"
)

var (
	videoTB = av.NewRational(1, 90000)
	audioTB = av.NewRational(1, 48000)
)

func videoStream() av.StreamInfo {
	return av.StreamInfo{
		Index:     0,
		Kind:      av.KindVideo,
		Codec:     "h264",
		TimeBase:  videoTB,
		FrameRate: av.NewRational(30, 1),
		Width:     1280,
		Height:    720,
		PixFmt:    "yuv420p",
	}
}

func audioStream() av.StreamInfo {
	return av.StreamInfo{
		Index:         1,
		Kind:          av.KindAudio,
		Codec:         "aac",
		TimeBase:      audioTB,
		SampleRate:    48000,
		Channels:      2,
		ChannelLayout: "stereo",
		SampleFmt:     "fltp",
	}
}

// segmentPackets builds an interleaved A/V segment: nv video frames at
// 30fps, na audio frames of 1024 samples, starting at the given timestamps.
func segmentPackets(nv, na int, videoStart, audioStart int64) []av.Packet {
	var pkts []av.Packet
	for i := 0; i < nv; i++ {
		pkts = append(pkts, av.Packet{
			StreamIndex: 0,
			PTS:         videoStart + int64(i)*3000,
			DTS:         videoStart + int64(i)*3000,
			Duration:    3000,
			Key:         i == 0,
			TimeBase:    videoTB,
			Data:        []byte{0x56, byte(i)},
		})
	}
	for i := 0; i < na; i++ {
		pkts = append(pkts, av.Packet{
			StreamIndex: 1,
			PTS:         audioStart + int64(i)*1024,
			DTS:         audioStart + int64(i)*1024,
			Duration:    1024,
			TimeBase:    audioTB,
			Data:        []byte{0x41, byte(i)},
		})
	}
	return pkts
}

func newDemuxer(nv, na int, videoStart, audioStart int64) *avtest.Demuxer {
	return &avtest.Demuxer{
		StreamList: []av.StreamInfo{videoStream(), audioStream()},
		Packets:    segmentPackets(nv, na, videoStart, audioStart),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func encodeOutput() OutputDesc {
	return OutputDesc{
		FileName: "out.ts",
		VFilters: "fps=30/1,scale=w=640:h=480",
		Width:    640,
		Height:   480,
		FPS:      av.NewRational(30, 1),
		Muxer:    ComponentOpts{Name: "mpegts"},
		Video:    ComponentOpts{Name: "libx264"},
		Audio:    ComponentOpts{Name: "copy"},
	}
}

func TestSingleOutputTranscode(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{newDemuxer(30, 20, 0, 0)}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	decoded, results, err := s.Transcode(InputDesc{FileName: "seg0.ts"}, []OutputDesc{encodeOutput()})
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if decoded.VideoFrames != 30 {
		t.Errorf("decoded video frames = %d, want 30", decoded.VideoFrames)
	}
	if decoded.Pixels != 30*1280*720 {
		t.Errorf("decoded pixels = %d", decoded.Pixels)
	}
	if results[0].Frames == 0 {
		t.Error("no output frames counted")
	}

	if len(lib.Muxers) != 1 {
		t.Fatalf("muxers opened = %d", len(lib.Muxers))
	}
	m := lib.Muxers[0]
	if len(m.StreamList) != 2 {
		t.Fatalf("output streams = %d, want video+audio", len(m.StreamList))
	}
	if !m.HeaderWritten || !m.TrailerWritten {
		t.Error("header/trailer not written")
	}

	// The audio track is a packet-level copy of the input.
	var audioOut []av.Packet
	for _, p := range m.Written {
		if p.StreamIndex == 1 {
			audioOut = append(audioOut, p)
		}
	}
	if len(audioOut) != 20 {
		t.Fatalf("audio packets out = %d, want 20", len(audioOut))
	}
	for i, p := range audioOut {
		if len(p.Data) != 2 || p.Data[0] != 0x41 || p.Data[1] != byte(i) {
			t.Fatalf("audio packet %d not a byte-exact copy: %v", i, p.Data)
		}
	}
}

func TestFirstOutputFrameIsKeyframe(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{newDemuxer(10, 0, 0, 0)}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.Audio = ComponentOpts{Name: "drop"}
	if _, _, err := s.Transcode(InputDesc{FileName: "seg0.ts"}, []OutputDesc{out}); err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	enc := lib.Encoders[0]
	if len(enc.Frames) == 0 {
		t.Fatal("encoder saw no frames")
	}
	if enc.Frames[0].Pict != av.PictureI {
		t.Error("first encoded frame not forced to I")
	}
}

func TestTooManyOutputs(t *testing.T) {
	s := New(WithLibrary(&avtest.Library{}), WithLogger(quietLogger()))
	defer s.Stop()
	outs := make([]OutputDesc, MaxOutputs+1)
	for i := range outs {
		outs[i] = encodeOutput()
	}
	_, _, err := s.Transcode(InputDesc{FileName: "seg0.ts"}, outs)
	if !errors.Is(err, averr.ErrOutputs) {
		t.Errorf("err = %v, want OUTPUTS", err)
	}
}

func TestOutputsChangeRejected(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{newDemuxer(5, 0, 0, 0)}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.Audio = ComponentOpts{Name: "drop"}
	if _, _, err := s.Transcode(InputDesc{FileName: "seg0.ts"}, []OutputDesc{out}); err != nil {
		t.Fatalf("first segment: %v", err)
	}

	// Adding a second media output must fail symmetrically.
	_, _, err := s.Transcode(InputDesc{FileName: "seg1.ts"}, []OutputDesc{out, out})
	if !errors.Is(err, averr.ErrOutputs) {
		t.Errorf("grow err = %v, want OUTPUTS", err)
	}
}

func TestOutputsChangeAnalysisAllowed(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{
		newDemuxer(5, 0, 0, 0), newDemuxer(5, 0, 0, 0), newDemuxer(5, 0, 0, 0),
	}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()),
		WithAnalysis(AnalysisConfig{ModelPath: "model.bin", Input: "in", Output: "out"}))
	defer s.Stop()

	media := encodeOutput()
	media.Audio = ComponentOpts{Name: "drop"}
	analysis := OutputDesc{Analysis: true, SFilters: "scale=w=224:h=224"}

	if _, _, err := s.Transcode(InputDesc{FileName: "seg0.ts"}, []OutputDesc{media}); err != nil {
		t.Fatalf("first segment: %v", err)
	}
	// Adding an analysis output is allowed.
	if _, _, err := s.Transcode(InputDesc{FileName: "seg1.ts"}, []OutputDesc{media, analysis}); err != nil {
		t.Fatalf("adding analysis output: %v", err)
	}
	// Removing it again is allowed too.
	if _, _, err := s.Transcode(InputDesc{FileName: "seg2.ts"}, []OutputDesc{media}); err != nil {
		t.Fatalf("removing analysis output: %v", err)
	}
}

func TestHWEncoderOpenedOncePerStream(t *testing.T) {
	lib := &avtest.Library{
		Inputs: []*avtest.Demuxer{
			newDemuxer(30, 0, 0, 0),
			newDemuxer(30, 0, 90000, 0),
			newDemuxer(30, 0, 180000, 0),
			newDemuxer(30, 0, 270000, 0),
		},
		VideoDecodeDelay: 4,
	}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := OutputDesc{
		FileName: "out.ts",
		VFilters: "fps=30/1,scale=w=640:h=480",
		FPS:      av.NewRational(30, 1),
		Muxer:    ComponentOpts{Name: "mpegts"},
		Video:    ComponentOpts{Name: "h264_nvenc"},
		Audio:    ComponentOpts{Name: "drop"},
	}
	input := InputDesc{FileName: "seg.ts", HWDevice: codec.HWCUDA, Device: "0"}

	total := 0
	for i := 0; i < 4; i++ {
		decoded, _, err := s.Transcode(input, []OutputDesc{out})
		if err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
		total += decoded.VideoFrames
	}
	if total != 120 {
		t.Errorf("decoded frames = %d, want 120 (flush must recover buffered frames)", total)
	}
	if lib.EncoderOpens != 1 {
		t.Errorf("video encoder opened %d times, want once for the whole stream", lib.EncoderOpens)
	}
	if lib.DecoderOpens != 1 {
		t.Errorf("video decoder opened %d times, want once", lib.DecoderOpens)
	}
}

func TestFlushDeadlineWithStuckDecoder(t *testing.T) {
	lib := &avtest.Library{
		Inputs:           []*avtest.Demuxer{newDemuxer(20, 0, 0, 0)},
		VideoDecodeDelay: 4,
		StuckFlush:       true,
	}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.Audio = ComponentOpts{Name: "drop"}
	input := InputDesc{FileName: "seg.ts", HWDevice: codec.HWCUDA}

	// Must terminate despite the decoder never answering sentinel packets.
	decoded, _, err := s.Transcode(input, []OutputDesc{out})
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if decoded.VideoFrames != 16 {
		t.Errorf("decoded frames = %d, want 16 (4 held by stuck decoder)", decoded.VideoFrames)
	}
}

func TestHWPoolReplacementReinitsGraph(t *testing.T) {
	lib := &avtest.Library{
		Inputs:                  []*avtest.Demuxer{newDemuxer(10, 0, 0, 0)},
		ReplacePoolOnFirstFrame: true,
	}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.Audio = ComponentOpts{Name: "drop"}
	input := InputDesc{FileName: "seg.ts", HWDevice: codec.HWCUDA}

	if _, _, err := s.Transcode(input, []OutputDesc{out}); err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	// One initial video graph plus one rebuild after the pool moved.
	if len(lib.Graphs) < 2 {
		t.Errorf("graphs opened = %d, want reinit after pool replacement", len(lib.Graphs))
	}
}

func TestGOPForcesPeriodicKeyframes(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{newDemuxer(90, 0, 0, 0)}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.Audio = ComponentOpts{Name: "drop"}
	out.GOPTime = 1000 // 1s: every 30 frames at 30fps
	if _, _, err := s.Transcode(InputDesc{FileName: "seg.ts"}, []OutputDesc{out}); err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	enc := lib.Encoders[0]
	var keyIdx []int
	for i, f := range enc.Frames {
		if f.Pict == av.PictureI {
			keyIdx = append(keyIdx, i)
		}
	}
	if len(keyIdx) < 3 {
		t.Fatalf("forced keyframes = %v, want one per second", keyIdx)
	}
	if keyIdx[0] != 0 {
		t.Errorf("first keyframe at %d, want 0", keyIdx[0])
	}
	for i := 1; i < len(keyIdx); i++ {
		if gap := keyIdx[i] - keyIdx[i-1]; gap != 30 {
			t.Errorf("keyframe gap %d between %d and %d, want 30", gap, keyIdx[i-1], keyIdx[i])
		}
	}
}

func TestPrerollAudioDropped(t *testing.T) {
	lib := &avtest.Library{
		Inputs:              []*avtest.Demuxer{newDemuxer(0, 10, 0, 1024)},
		EncoderAudioPadding: 1024,
	}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := OutputDesc{
		FileName: "out.ts",
		Muxer:    ComponentOpts{Name: "mpegts"},
		Video:    ComponentOpts{Name: "drop"},
		Audio:    ComponentOpts{Name: "aac"},
	}
	if _, _, err := s.Transcode(InputDesc{FileName: "seg.ts"}, []OutputDesc{out}); err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	m := lib.Muxers[0]
	// The first audio packet resolves the drop timestamp and is removed.
	if len(m.Written) != 9 {
		t.Errorf("muxed audio packets = %d, want 9 of 10", len(m.Written))
	}
	for _, p := range m.Written {
		if p.PTS == 1024 {
			t.Errorf("preroll packet with pts %d was muxed", p.PTS)
		}
	}
}

func TestDiscontinuityRewritesTimestamps(t *testing.T) {
	// Two transmux segments with a 1s DTS jump between them.
	seg0 := newDemuxer(30, 0, 0, 0)
	seg1 := newDemuxer(30, 0, 90000+90000+3000, 0) // 1s gap beyond continuous
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{seg0, seg1}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := OutputDesc{
		FileName: "out.ts",
		Muxer:    ComponentOpts{Name: "mpegts"},
		Video:    ComponentOpts{Name: "copy"},
		Audio:    ComponentOpts{Name: "copy"},
	}
	input := InputDesc{FileName: "seg.ts", Transmuxing: true}

	if _, _, err := s.Transcode(input, []OutputDesc{out}); err != nil {
		t.Fatalf("segment 0: %v", err)
	}
	s.Discontinuity()
	if _, _, err := s.Transcode(input, []OutputDesc{out}); err != nil {
		t.Fatalf("segment 1: %v", err)
	}
	s.Stop()

	m := lib.Muxers[0]
	var last int64 = -1
	for i, p := range m.Written {
		if p.DTS <= last {
			t.Fatalf("packet %d dts %d not increasing past %d", i, p.DTS, last)
		}
		last = p.DTS
	}
	// The second segment's first packet continues exactly one duration after
	// the first segment's last: 29*3000 + 3000 = 90000.
	if got := m.Written[30].DTS; got != 90000 {
		t.Errorf("second segment first dts = %d, want 90000", got)
	}
	if !m.TrailerWritten {
		t.Error("trailer not written at Stop")
	}
}

func TestTransmuxMuxerStaysOpenAcrossSegments(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{
		newDemuxer(5, 5, 0, 0), newDemuxer(5, 5, 15000, 5120),
	}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))

	out := OutputDesc{
		Muxer: ComponentOpts{Name: "mpegts"},
		Video: ComponentOpts{Name: "copy"},
		Audio: ComponentOpts{Name: "copy"},
	}
	input := InputDesc{FileName: "seg.ts", Transmuxing: true}

	for i := 0; i < 2; i++ {
		if _, _, err := s.Transcode(input, []OutputDesc{out}); err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
	}
	if len(lib.Muxers) != 1 {
		t.Fatalf("muxers opened = %d, want a single one across segments", len(lib.Muxers))
	}
	if lib.Muxers[0].TrailerWritten {
		t.Error("trailer written before Stop")
	}
	s.Stop()
	if !lib.Muxers[0].TrailerWritten {
		t.Error("trailer missing after Stop")
	}
}

func TestClipWindowFirstFrameIsVideo(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{newDemuxer(90, 140, 0, 0)}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.ClipFrom = 1000
	out.ClipTo = 2000
	if _, _, err := s.Transcode(InputDesc{FileName: "seg.ts"}, []OutputDesc{out}); err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	m := lib.Muxers[0]
	if len(m.Written) == 0 {
		t.Fatal("nothing muxed")
	}
	if m.Written[0].StreamIndex != 0 {
		t.Errorf("first muxed packet is stream %d, want video", m.Written[0].StreamIndex)
	}
	// Clip audio: everything before clipStarted plus outside the window is
	// dropped, so audio output is strictly less than input.
	audio := 0
	for _, p := range m.Written {
		if p.StreamIndex == 1 {
			audio++
		}
	}
	if audio == 0 || audio >= 140 {
		t.Errorf("clipped audio packets = %d, want a proper subset", audio)
	}
}

func TestUnknownStreamPacketsDroppedSilently(t *testing.T) {
	d := newDemuxer(5, 0, 0, 0)
	// A packet on a stream the demuxer never declared.
	d.Packets = append(d.Packets, av.Packet{StreamIndex: 7, PTS: 1, DTS: 1, Data: []byte{1}})
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{d}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.Audio = ComponentOpts{Name: "drop"}
	if _, _, err := s.Transcode(InputDesc{FileName: "seg.ts"}, []OutputDesc{out}); err != nil {
		t.Fatalf("Transcode: %v", err)
	}
}

func TestAnalysisOutputAccumulatesScores(t *testing.T) {
	lib := &avtest.Library{Inputs: []*avtest.Demuxer{newDemuxer(10, 0, 0, 0)}}
	s := New(WithLibrary(lib), WithLogger(quietLogger()),
		WithAnalysis(AnalysisConfig{ModelPath: "m", Input: "i", Output: "o"}))
	defer s.Stop()

	media := encodeOutput()
	media.Audio = ComponentOpts{Name: "drop"}
	analysis := OutputDesc{Analysis: true}
	_, results, err := s.Transcode(InputDesc{FileName: "seg.ts"}, []OutputDesc{media, analysis})
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if results[1].Frames != 10 {
		t.Errorf("analysis frames = %d, want 10", results[1].Frames)
	}
	if len(results[1].Scores) != MaxClassify {
		t.Fatalf("scores len = %d", len(results[1].Scores))
	}
	// Scores are normalised by frame count: class 0 is 128/255 per frame.
	want := 128.0 / 255
	if diff := results[1].Scores[0] - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score[0] = %f, want %f", results[1].Scores[0], want)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(WithLibrary(&avtest.Library{}), WithLogger(quietLogger()))
	s.Stop()
	s.Stop()
}

func TestNoBackendFails(t *testing.T) {
	s := New(WithLogger(quietLogger()))
	defer s.Stop()
	_, _, err := s.Transcode(InputDesc{FileName: "x.ts"}, []OutputDesc{encodeOutput()})
	if !errors.Is(err, averr.ErrInputs) {
		t.Errorf("err = %v, want INPUTS", err)
	}
}

func TestDecoderDrainRecoversBufferedFrames(t *testing.T) {
	lib := &avtest.Library{
		Inputs:           []*avtest.Demuxer{newDemuxer(12, 0, 0, 0)},
		VideoDecodeDelay: 5,
	}
	s := New(WithLibrary(lib), WithLogger(quietLogger()))
	defer s.Stop()

	out := encodeOutput()
	out.Audio = ComponentOpts{Name: "drop"}
	input := InputDesc{FileName: "seg.ts", HWDevice: codec.HWCUDA}
	decoded, _, err := s.Transcode(input, []OutputDesc{out})
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if decoded.VideoFrames != 12 {
		t.Errorf("decoded frames = %d, want all 12 recovered by flush", decoded.VideoFrames)
	}
}
