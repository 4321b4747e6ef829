package config

import (
	"fmt"
	"strconv"
	"strings"
)

// BitRate is a bit rate in bits per second, parsed from human-readable
// strings with decimal (1000-based) suffixes, the convention encoders use:
//
//   - "4M" / "4m" / "4mbps"  = 4_000_000 bit/s
//   - "800k" / "800kbps"     = 800_000 bit/s
//   - "2500000"              = 2_500_000 bit/s (no suffix)
type BitRate int64

// bit rate multipliers, decimal base.
const (
	bitRateK = 1_000
	bitRateM = 1_000_000
	bitRateG = 1_000_000_000
)

// ParseBitRate parses a bit rate string.
func ParseBitRate(s string) (BitRate, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	suffixes := []struct {
		name string
		mult int64
	}{
		{"kbps", bitRateK}, {"mbps", bitRateM}, {"gbps", bitRateG},
		{"k", bitRateK}, {"m", bitRateM}, {"g", bitRateG},
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf.name) {
			mult = suf.mult
			s = strings.TrimSuffix(s, suf.name)
			break
		}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing bit rate: %w", err)
	}
	if value < 0 {
		return 0, fmt.Errorf("bit rate cannot be negative: %f", value)
	}
	return BitRate(value * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for Viper/YAML support.
func (b *BitRate) UnmarshalText(text []byte) error {
	parsed, err := ParseBitRate(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// String formats the rate with the largest exact decimal suffix.
func (b BitRate) String() string {
	v := int64(b)
	switch {
	case v >= bitRateG && v%bitRateG == 0:
		return fmt.Sprintf("%dG", v/bitRateG)
	case v >= bitRateM && v%bitRateM == 0:
		return fmt.Sprintf("%dM", v/bitRateM)
	case v >= bitRateK && v%bitRateK == 0:
		return fmt.Sprintf("%dk", v/bitRateK)
	default:
		return strconv.FormatInt(v, 10)
	}
}
