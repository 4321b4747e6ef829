package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/jmylchreest/recoder/internal/av"
)

// Fraction is a rational config value parsed from "num/den" or a bare
// integer ("30" means 30/1).
type Fraction struct {
	Num int64
	Den int64
}

// ParseFraction parses "30/1", "30000/1001", or "30".
func ParseFraction(s string) (Fraction, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Fraction{}, nil
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Fraction{}, fmt.Errorf("parsing fraction %q: %w", s, err)
	}
	d := int64(1)
	if found {
		d, err = strconv.ParseInt(den, 10, 64)
		if err != nil || d == 0 {
			return Fraction{}, fmt.Errorf("parsing fraction %q: bad denominator", s)
		}
	}
	return Fraction{Num: n, Den: d}, nil
}

// UnmarshalText implements encoding.TextUnmarshaler for Viper/YAML support.
func (f *Fraction) UnmarshalText(text []byte) error {
	parsed, err := ParseFraction(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// String returns "num/den", or "" when unset.
func (f Fraction) String() string {
	if f.Den == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// Set implements pflag.Value so fractions can be passed as CLI flags.
func (f *Fraction) Set(s string) error {
	return f.UnmarshalText([]byte(s))
}

// Type implements pflag.Value.
func (f *Fraction) Type() string { return "fraction" }

// Rational converts to the engine's rational type.
func (f Fraction) Rational() av.Rational {
	return av.NewRational(f.Num, f.Den)
}

// fractionDecodeHook lets mapstructure decode strings and numbers into the
// config's Fraction and BitRate types.
func fractionDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		switch to {
		case reflect.TypeOf(Fraction{}):
			switch v := data.(type) {
			case string:
				return ParseFraction(v)
			case int:
				return Fraction{Num: int64(v), Den: 1}, nil
			case int64:
				return Fraction{Num: v, Den: 1}, nil
			}
		case reflect.TypeOf(BitRate(0)):
			switch v := data.(type) {
			case string:
				return ParseBitRate(v)
			case int:
				return BitRate(v), nil
			case int64:
				return BitRate(v), nil
			case float64:
				return BitRate(v), nil
			}
		}
		return data, nil
	}
}
