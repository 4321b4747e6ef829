// Package config provides configuration management for recoder using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jmylchreest/recoder/internal/observability"
)

// Default configuration values.
const (
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultMuxer     = "mpegts"
)

// Config holds all configuration for the application.
type Config struct {
	Logging   observability.Config `mapstructure:"logging"`
	Transcode TranscodeConfig      `mapstructure:"transcode"`
}

// TranscodeConfig describes a transcode run driven from the CLI.
type TranscodeConfig struct {
	// HWDevice selects the hardware path: none, cuda, mediacodec.
	HWDevice string `mapstructure:"hw_device"`
	// Device is the hardware device id (e.g. GPU ordinal).
	Device string `mapstructure:"device"`
	// Transmux switches outputs to continuous remuxing.
	Transmux bool `mapstructure:"transmux"`
	// Outputs lists the per-segment outputs.
	Outputs []OutputConfig `mapstructure:"outputs"`
}

// OutputConfig describes one output.
type OutputConfig struct {
	Name         string   `mapstructure:"name"`
	Muxer        string   `mapstructure:"muxer"`
	VideoEncoder string   `mapstructure:"video_encoder"`
	AudioEncoder string   `mapstructure:"audio_encoder"`
	VFilters     string   `mapstructure:"vfilters"`
	Width        int      `mapstructure:"width"`
	Height       int      `mapstructure:"height"`
	BitRate      BitRate  `mapstructure:"bitrate"`
	GOPTimeMs    int64    `mapstructure:"gop_ms"`
	ClipFromMs   int64    `mapstructure:"clip_from_ms"`
	ClipToMs     int64    `mapstructure:"clip_to_ms"`
	FPS          Fraction `mapstructure:"fps"`
}

// Load reads configuration from the given file (optional), environment
// variables prefixed RECODER_, and defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.format", defaultLogFormat)
	v.SetDefault("transcode.hw_device", "none")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("recoder")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/recoder")
	}

	v.SetEnvPrefix("RECODER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(fractionDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	for i := range cfg.Transcode.Outputs {
		if cfg.Transcode.Outputs[i].Muxer == "" {
			cfg.Transcode.Outputs[i].Muxer = defaultMuxer
		}
	}
	return &cfg, nil
}
