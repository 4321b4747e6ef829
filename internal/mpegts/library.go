package mpegts

import (
	"fmt"
	"os"

	"github.com/jmylchreest/recoder/internal/av"
	"github.com/jmylchreest/recoder/internal/codec"
)

// Library is the remux-only codec backend: transport-stream demuxing and
// muxing are real, everything that needs a codec returns ErrNotSupported.
// Copy and transmux sessions run fully on it.
type Library struct{}

var _ av.Library = Library{}

// OpenDemuxer implements av.Library.
func (Library) OpenDemuxer(cfg av.DemuxerConfig) (av.Demuxer, error) {
	if cfg.Input != nil {
		return NewDemuxer(cfg.Input, nil)
	}
	f, err := os.Open(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	d, err := NewDemuxer(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// OpenDecoder implements av.Library.
func (Library) OpenDecoder(av.DecoderConfig) (av.Decoder, error) {
	return nil, av.ErrNotSupported
}

// OpenEncoder implements av.Library.
func (Library) OpenEncoder(av.EncoderConfig) (av.Encoder, error) {
	return nil, av.ErrNotSupported
}

// OpenFilterGraph implements av.Library.
func (Library) OpenFilterGraph(av.FilterConfig) (av.FilterGraph, error) {
	return nil, av.ErrNotSupported
}

// OpenMuxer implements av.Library.
func (Library) OpenMuxer(cfg av.MuxerConfig) (av.Muxer, error) {
	return NewMuxer(cfg)
}

// OpenHWDevice implements av.Library.
func (Library) OpenHWDevice(codec.HWDevice, string) (*av.HWDeviceContext, error) {
	return nil, av.ErrNotSupported
}
