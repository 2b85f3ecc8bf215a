package session

import (
	"fmt"
	"strings"

	"github.com/xaionaro-go/avcdpb/dpb"
	"github.com/xaionaro-go/avcdpb/slicelayout"
	"github.com/xaionaro-go/avcdpb/surface"
)

type Variant int

const (
	UndefinedVariant Variant = iota
	VariantBase
	VariantHistogram
	VariantCompressed
	EndOfVariant
)

func (v Variant) String() string {
	switch v {
	case UndefinedVariant:
		return "<undefined>"
	case VariantBase:
		return "base"
	case VariantHistogram:
		return "histogram"
	case VariantCompressed:
		return "compressed"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(v))
	}
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(b []byte) error {
	s := strings.Trim(strings.ToLower(string(b)), " \"\n\t\r")
	for candidate := UndefinedVariant + 1; candidate < EndOfVariant; candidate++ {
		if candidate.String() == s {
			*v = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session variant: '%s'", s)
}

type Config struct {
	// NumSlots is the amount of reference slots (at most dpb.MaxSlots).
	NumSlots int `yaml:"num_slots"`

	// Format is the format of the decoded surfaces, it is used for the
	// concealment placeholder.
	Format surface.Format `yaml:"format"`

	Variant Variant `yaml:"variant"`

	Slices slicelayout.Validator `yaml:"slices"`
}

const (
	DefaultNumSlots = dpb.MaxSlots
	DefaultFormat   = surface.FormatNV12
	DefaultVariant  = VariantBase
)

// WithDefaults returns the Config with the unset fields set to defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.NumSlots == 0 {
		cfg.NumSlots = DefaultNumSlots
	}
	if cfg.Format == surface.UndefinedFormat {
		cfg.Format = DefaultFormat
	}
	if cfg.Variant == UndefinedVariant {
		cfg.Variant = DefaultVariant
	}
	return cfg
}
