package codec

import "testing"

func TestNeedsDecoder(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"copy", false},
		{"drop", false},
		{"", false},
		{"libx264", true},
		{"h264_nvenc", true},
		{"aac", true},
	}
	for _, tt := range tests {
		if got := NeedsDecoder(tt.name); got != tt.want {
			t.Errorf("NeedsDecoder(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsCopyIsDrop(t *testing.T) {
	if !IsCopy("copy") || IsCopy("drop") || IsCopy("") {
		t.Error("IsCopy misclassified")
	}
	if !IsDrop("drop") || !IsDrop("") || IsDrop("copy") {
		t.Error("IsDrop misclassified")
	}
}

func TestParseHWDevice(t *testing.T) {
	if ParseHWDevice("CUDA") != HWCUDA {
		t.Error("cuda not recognised case-insensitively")
	}
	if ParseHWDevice("something") != HWNone {
		t.Error("unknown device did not map to none")
	}
	if ParseHWDevice("mediacodec") != HWMediaCodec {
		t.Error("mediacodec not recognised")
	}
}

func TestHWDecoderName(t *testing.T) {
	if got := HWDecoderName("h264", HWCUDA); got != "h264_cuvid" {
		t.Errorf("HWDecoderName(h264, cuda) = %q", got)
	}
	if got := HWDecoderName("vp9", HWCUDA); got != "" {
		t.Errorf("expected no substitution for vp9, got %q", got)
	}
	if got := HWDecoderName("h264", HWNone); got != "" {
		t.Errorf("expected no substitution without hw, got %q", got)
	}
}

func TestIs420(t *testing.T) {
	for _, ok := range []string{"yuv420p", "yuvj420p", "nv12"} {
		if !Is420(ok) {
			t.Errorf("Is420(%q) = false", ok)
		}
	}
	if Is420("yuv422p") {
		t.Error("yuv422p accepted as 4:2:0")
	}
}
