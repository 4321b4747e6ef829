package session

import (
	"errors"
	"io"
	"math"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/averr"
)

// flushMarker is stored in a frame's Opaque field to mark injected flush
// frames. Downstream recognises it and terminates the drain.
const flushMarker = int64(math.MinInt64)

// ptsDiffUnset marks the adapter's output-PTS offset as not yet calibrated
// for the current segment.
const ptsDiffUnset = int64(math.MinInt64)

// filterAdapter sits in front of one filter graph and makes the framerate
// filter safe across segments.
//
// The framerate filter expects strictly monotonic input PTS: frames with
// earlier timestamps get dropped, and late timestamps produce storms of
// duplicated frames. Real input PTS may jump or restart between segments, so
// the adapter maintains a private monotonic counter (customPTS) that it
// writes into each frame before submission, keeping the original PTS in the
// frame's opaque slot. On the first post-filter frame of each segment it
// computes the offset between the rescaled original PTS and what the filter
// emitted, and adds that offset back to every output frame.
type filterAdapter struct {
	graph  av.FilterGraph
	active bool
	kind   av.Kind

	flushing bool
	flushed  bool

	// customPTS is the monotonic PTS written to the filter source. It
	// survives segment boundaries.
	customPTS int64
	// prevFramePTS is the input PTS of the previous frame, for delta steps.
	prevFramePTS int64
	// ptsDiff is the offset between the rewritten stream and the filter's
	// output, recalibrated on the first output frame of each segment.
	ptsDiff int64
	// segmentsComplete counts segments already flushed through the adapter.
	segmentsComplete int

	// hwFrames memoises the upstream decoder's frame pool so a mid-stream
	// pool replacement can be detected before each submission.
	hwFrames *av.HWFramePool

	// frame is the reusable result buffer for reads.
	frame av.Frame
}

// open activates the adapter over a freshly configured graph.
func (f *filterAdapter) open(graph av.FilterGraph, kind av.Kind, hwFrames *av.HWFramePool) {
	f.graph = graph
	f.kind = kind
	f.hwFrames = hwFrames
	f.active = true
	f.ptsDiff = ptsDiffUnset
}

// closeSegment resets per-segment state while keeping the graph, the
// monotonic counter, and the pool memo alive for the next segment.
func (f *filterAdapter) closeSegment() {
	if f.flushed {
		f.segmentsComplete++
	}
	f.flushing = false
	f.flushed = false
	f.prevFramePTS = 0
	f.ptsDiff = ptsDiffUnset
}

// free tears the adapter down completely.
func (f *filterAdapter) free() {
	if f.graph != nil {
		f.graph.Close()
	}
	*f = filterAdapter{}
}

// write submits one frame to the graph. inf == nil requests flush-frame
// injection: the last decoded frame is repurposed, stamped with the flush
// marker, and pushed with an advanced customPTS so the graph keeps moving.
// reinit is called when the upstream hardware pool changed identity and the
// graph must be rebuilt before this frame can be submitted.
func (f *filterAdapter) write(inf *av.Frame, fps av.Rational, inputTB av.Rational, lastFrame *av.Frame, reinit func() error) error {
	// The graph is initially configured before the decoder is fully ready;
	// hardware decoders may replace their frame pool on the first real
	// frame. Compare identity and rebuild if it moved.
	if f.kind == av.KindVideo && inf != nil && inf.HWFrames != nil &&
		f.hwFrames != nil && inf.HWFrames != f.hwFrames {
		if err := reinit(); err != nil {
			return averr.Wrap(averr.CodeFilters, "reinitialising filter graph after pool change", err)
		}
	}

	var frame *av.Frame
	switch {
	case inf != nil:
		inf.Opaque = inf.PTS // keep the original PTS for post-filter restore
		if f.kind == av.KindVideo && !fps.IsZero() {
			tsStep := inf.PTS - f.prevFramePTS
			if f.segmentsComplete > 0 && f.prevFramePTS == 0 {
				// First frame of a non-initial segment: advance by exactly
				// one frame interval.
				tsStep = av.Rescale(1, fps.Inv(), inputTB)
			}
			f.customPTS += tsStep
			f.prevFramePTS = inf.PTS
		} else {
			// Framerate passthrough, or audio.
			f.customPTS = inf.PTS
		}
		frame = inf
	case !f.flushed:
		if lastFrame == nil {
			return nil // nothing ever decoded; nothing to pump with
		}
		frame = lastFrame.Clone()
		frame.Opaque = flushMarker
		f.flushing = true
		var tsStep int64
		if f.kind == av.KindVideo && !fps.IsZero() {
			tsStep = av.Rescale(1, fps.Inv(), inputTB)
		} else {
			tsStep = frame.Duration
		}
		f.customPTS += tsStep
	default:
		return nil
	}

	oldPTS := frame.PTS
	frame.PTS = f.customPTS
	err := f.graph.WriteFrame(frame)
	frame.PTS = oldPTS
	if err != nil {
		return averr.Wrap(averr.CodeFilters, "feeding the filter graph", err)
	}
	return nil
}

// read pulls one filtered frame into the adapter's reusable buffer. Flush
// frames surface as averr.ErrFilterFlushed; for framerate outputs the
// original timing is restored via the per-segment offset.
func (f *filterAdapter) read(fps av.Rational, inputTB av.Rational) (*av.Frame, error) {
	frame := &f.frame
	err := f.graph.ReadFrame(frame)
	if errors.Is(err, av.ErrAgain) || errors.Is(err, io.EOF) {
		return nil, err
	}
	if err != nil {
		return nil, averr.Wrap(averr.CodeFilters, "consuming the filter graph", err)
	}
	frame.Pict = av.PictureNone

	if frame.Opaque == flushMarker {
		// Don't set flushed unless we are flushing: the marker may be a
		// leftover from a previous segment still draining through the graph.
		if f.flushing {
			f.flushed = true
		}
		return nil, averr.ErrFilterFlushed
	}

	if f.kind == av.KindVideo && !fps.IsZero() {
		if f.ptsDiff == ptsDiffUnset {
			orig := av.Rescale(frame.Opaque, inputTB, f.graph.Sink().TimeBase)
			f.ptsDiff = orig - frame.PTS
		}
		frame.PTS += f.ptsDiff
	}
	return frame, nil
}
