package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default log format = %q", cfg.Logging.Format)
	}
	if cfg.Transcode.HWDevice != "none" {
		t.Errorf("default hw device = %q", cfg.Transcode.HWDevice)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recoder.yaml")
	content := `
logging:
  level: debug
  format: text
transcode:
  hw_device: cuda
  device: "0"
  outputs:
    - name: out720.ts
      video_encoder: h264_nvenc
      audio_encoder: copy
      vfilters: "fps=30/1,scale=w=1280:h=720"
      width: 1280
      height: 720
      bitrate: 4000000
      gop_ms: 2000
      fps: "30/1"
    - name: out360.ts
      video_encoder: h264_nvenc
      audio_encoder: drop
      fps: "30000/1001"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Transcode.HWDevice != "cuda" {
		t.Errorf("hw = %q", cfg.Transcode.HWDevice)
	}
	if len(cfg.Transcode.Outputs) != 2 {
		t.Fatalf("outputs = %d", len(cfg.Transcode.Outputs))
	}
	o := cfg.Transcode.Outputs[0]
	if o.FPS != (Fraction{Num: 30, Den: 1}) {
		t.Errorf("fps = %v", o.FPS)
	}
	if o.Muxer != "mpegts" {
		t.Errorf("muxer default = %q", o.Muxer)
	}
	if o.BitRate != 4000000 || o.GOPTimeMs != 2000 {
		t.Errorf("numeric fields: %+v", o)
	}
	if cfg.Transcode.Outputs[1].FPS != (Fraction{Num: 30000, Den: 1001}) {
		t.Errorf("fps[1] = %v", cfg.Transcode.Outputs[1].FPS)
	}
}

func TestParseFraction(t *testing.T) {
	tests := []struct {
		in      string
		want    Fraction
		wantErr bool
	}{
		{"30/1", Fraction{30, 1}, false},
		{"30000/1001", Fraction{30000, 1001}, false},
		{"25", Fraction{25, 1}, false},
		{"", Fraction{}, false},
		{"x/1", Fraction{}, true},
		{"30/0", Fraction{}, true},
	}
	for _, tt := range tests {
		got, err := ParseFraction(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFraction(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseFraction(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
