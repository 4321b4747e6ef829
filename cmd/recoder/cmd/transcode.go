package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/recoder/internal/codec"
	"github.com/jmylchreest/recoder/internal/config"
	"github.com/jmylchreest/recoder/internal/mpegts"
	"github.com/jmylchreest/recoder/internal/session"
)

var (
	flagOut           string
	flagTransmux      bool
	flagDiscontinuity bool
	flagFPS           config.Fraction
)

var _ pflag.Value = (*config.Fraction)(nil)

// transcodeCmd runs segments through one persistent session. Segments are
// given as file arguments or as a single HLS media playlist whose entries
// are walked in order.
var transcodeCmd = &cobra.Command{
	Use:   "transcode [segments... | playlist.m3u8]",
	Short: "Run media segments through one transcode session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTranscode,
}

func init() {
	transcodeCmd.Flags().StringVarP(&flagOut, "out", "o", "", "output file (shorthand for a single copy output)")
	transcodeCmd.Flags().BoolVar(&flagTransmux, "transmux", false, "concatenate all segments into continuously-open outputs")
	transcodeCmd.Flags().BoolVar(&flagDiscontinuity, "discontinuity", false, "mark a timestamp discontinuity before every segment after the first")
	transcodeCmd.Flags().Var(&flagFPS, "fps", "declared framerate for the --out shorthand output (e.g. 30/1)")
	rootCmd.AddCommand(transcodeCmd)
}

// expandSegments resolves the argument list: a single .m3u8 is expanded into
// its media segments, relative to the playlist location.
func expandSegments(args []string) ([]string, error) {
	if len(args) != 1 || !strings.HasSuffix(args[0], ".m3u8") {
		return args, nil
	}
	byts, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading playlist: %w", err)
	}
	pl, err := playlist.Unmarshal(byts)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("%s is not a media playlist", args[0])
	}
	base := filepath.Dir(args[0])
	segs := make([]string, 0, len(media.Segments))
	for _, seg := range media.Segments {
		uri := seg.URI
		if !filepath.IsAbs(uri) && !strings.Contains(uri, "://") {
			uri = filepath.Join(base, uri)
		}
		segs = append(segs, uri)
	}
	return segs, nil
}

// outputsFromConfig converts configured outputs into session descriptors,
// falling back to a single copy output at --out.
func outputsFromConfig() ([]session.OutputDesc, error) {
	if len(cfg.Transcode.Outputs) == 0 {
		if flagOut == "" {
			return nil, fmt.Errorf("no outputs configured and --out not given")
		}
		return []session.OutputDesc{{
			FileName: flagOut,
			FPS:      flagFPS.Rational(),
			Muxer:    session.ComponentOpts{Name: "mpegts"},
			Video:    session.ComponentOpts{Name: "copy"},
			Audio:    session.ComponentOpts{Name: "copy"},
		}}, nil
	}
	outs := make([]session.OutputDesc, 0, len(cfg.Transcode.Outputs))
	for _, o := range cfg.Transcode.Outputs {
		outs = append(outs, session.OutputDesc{
			FileName: o.Name,
			VFilters: o.VFilters,
			Width:    o.Width,
			Height:   o.Height,
			BitRate:  int64(o.BitRate),
			GOPTime:  o.GOPTimeMs,
			ClipFrom: o.ClipFromMs,
			ClipTo:   o.ClipToMs,
			FPS:      o.FPS.Rational(),
			Muxer:    session.ComponentOpts{Name: o.Muxer},
			Video:    session.ComponentOpts{Name: o.VideoEncoder},
			Audio:    session.ComponentOpts{Name: o.AudioEncoder},
		})
	}
	return outs, nil
}

func runTranscode(_ *cobra.Command, args []string) error {
	segments, err := expandSegments(args)
	if err != nil {
		return err
	}
	outputs, err := outputsFromConfig()
	if err != nil {
		return err
	}

	s := session.New(
		session.WithLibrary(mpegts.Library{}),
		session.WithLogger(logger),
	)
	defer s.Stop()

	transmux := flagTransmux || cfg.Transcode.Transmux
	for i, seg := range segments {
		if flagDiscontinuity && i > 0 {
			s.Discontinuity()
		}
		input := session.InputDesc{
			FileName:    seg,
			HWDevice:    codec.ParseHWDevice(cfg.Transcode.HWDevice),
			Device:      cfg.Transcode.Device,
			Transmuxing: transmux,
		}
		decoded, results, err := s.Transcode(input, outputs)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg, err)
		}
		logger.Info("segment complete",
			slog.String("segment", seg),
			slog.Int("video_packets", decoded.VideoPackets),
			slog.Int("audio_packets", decoded.AudioPackets),
			slog.Int("frames", decoded.Frames))
		for j, r := range results {
			logger.Debug("output result",
				slog.Int("output", j),
				slog.Int("frames", r.Frames),
				slog.Int("video_packets", r.VideoPackets),
				slog.Int("audio_packets", r.AudioPackets))
		}
	}
	return nil
}
