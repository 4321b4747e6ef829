// Package codec holds codec naming conventions shared across the engine:
// the copy/drop encoder-name sentinels, hardware device kinds, and the
// mapping from software codecs to their hardware decoder names.
package codec

import "strings"

// Encoder-name sentinels. Anything else names a real encoder.
const (
	// NameCopy requests packet-level passthrough for that medium.
	NameCopy = "copy"
	// NameDrop requests no output for that medium. An empty name means the
	// same thing.
	NameDrop = "drop"
)

// IsCopy reports whether the encoder name requests stream copy.
func IsCopy(name string) bool {
	return name == NameCopy
}

// IsDrop reports whether the encoder name requests dropping the medium.
func IsDrop(name string) bool {
	return name == "" || name == NameDrop
}

// NeedsDecoder reports whether the given encoder name depends on having a
// decoder. Enumerates the special cases that do *not* need decoding.
func NeedsDecoder(name string) bool {
	return !(IsCopy(name) || IsDrop(name))
}

// HWDevice identifies a hardware acceleration device kind.
type HWDevice string

// Recognised hardware device kinds. HWNone disables the hardware path.
const (
	HWNone       HWDevice = "none"
	HWCUDA       HWDevice = "cuda"
	HWMediaCodec HWDevice = "mediacodec"
	HWVAAPI      HWDevice = "vaapi"
	HWQSV        HWDevice = "qsv"
)

// ParseHWDevice normalises a device kind name. Unknown names map to HWNone.
func ParseHWDevice(s string) HWDevice {
	switch HWDevice(strings.ToLower(s)) {
	case HWCUDA:
		return HWCUDA
	case HWMediaCodec:
		return HWMediaCodec
	case HWVAAPI:
		return HWVAAPI
	case HWQSV:
		return HWQSV
	default:
		return HWNone
	}
}

// HWDecoderName returns the hardware decoder name for a software codec on
// the given device, or "" when no substitution exists and the software
// decoder should be used.
func HWDecoderName(codecName string, hw HWDevice) string {
	switch hw {
	case HWCUDA:
		switch codecName {
		case "h264":
			return "h264_cuvid"
		case "hevc", "h265":
			return "hevc_cuvid"
		}
	case HWMediaCodec:
		switch codecName {
		case "h264":
			return "h264_mediacodec"
		case "hevc", "h265":
			return "hevc_mediacodec"
		}
	}
	return ""
}

// Is420 reports whether the pixel format name is a 4:2:0 layout accepted by
// the hardware decode path.
func Is420(pixFmt string) bool {
	switch pixFmt {
	case "yuv420p", "yuvj420p", "nv12":
		return true
	}
	return false
}
