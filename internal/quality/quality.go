// Package quality translates the single user-facing compression strength
// knob into codec parameters. A higher knob always asks for a smaller file.
package quality

import (
	"math"

	"bulk-squeeze/internal/codec"
	apperrors "bulk-squeeze/internal/errors"
)

const (
	MinKnob = 0
	MaxKnob = 100
)

// Validate reports whether knob is inside [MinKnob, MaxKnob].
func Validate(knob int) error {
	if knob < MinKnob || knob > MaxKnob {
		return apperrors.InvalidParameter("quality", "knob %d outside [%d,%d]", knob, MinKnob, MaxKnob)
	}
	return nil
}

// Map returns the parameters for kind at the given knob.
//
// The lossy family uses a native scale where higher means larger output, so
// the knob is inverted: quality = clamp(101-knob, 0, 100). The filter-search
// family exposes codec.FilterLevels effort levels and takes
// level = clamp(floor(knob/100*levels), 0, levels-1).
func Map(knob int, kind codec.Kind) (codec.Params, error) {
	if err := Validate(knob); err != nil {
		return codec.Params{}, err
	}

	switch kind {
	case codec.KindLossy:
		return codec.Params{Kind: kind, Quality: clamp(101-knob, 0, 100)}, nil
	case codec.KindFilterSearch:
		levels := codec.FilterLevels
		level := int(math.Floor(float64(knob) / 100 * float64(levels)))
		return codec.Params{Kind: kind, Level: clamp(level, 0, levels-1), Levels: levels}, nil
	case codec.KindUnsupported:
		return codec.Params{}, apperrors.ErrUnsupportedFormat
	}
	return codec.Params{}, apperrors.ErrUnsupportedFormat
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
