package safeconv

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
)

// IntSliceToUint32Slice converts token ids to uint32 with clamping to avoid overflow/underflow.
func IntSliceToUint32Slice[T constraints.Integer](input []T) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		switch {
		case v < 0:
			out[i] = 0
		case uint64(v) > math.MaxUint32:
			out[i] = math.MaxUint32
		default:
			out[i] = uint32(v)
		}
	}
	return out
}

// Uint32SliceToIntSlice converts a slice of uint32 to int.
func Uint32SliceToIntSlice(input []uint32) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = int(v)
	}
	return out
}

// ToInt64Slice widens token ids for int64 model inputs.
func ToInt64Slice[T constraints.Integer](input []T) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
