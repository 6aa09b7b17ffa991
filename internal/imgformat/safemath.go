package imgformat

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionOverflow is returned when image dimension arithmetic
// would overflow. Overflow is a first-class error here, never silent
// wraparound: the results size untrusted allocations.
var ErrDimensionOverflow = errors.New("image dimension arithmetic overflow")

// MulU64 returns a*b or ErrDimensionOverflow.
func MulU64(a, b uint64) (uint64, error) {
	if a != 0 && b > math.MaxUint64/a {
		return 0, fmt.Errorf("%d * %d: %w", a, b, ErrDimensionOverflow)
	}
	return a * b, nil
}

// AddU64 returns a+b or ErrDimensionOverflow.
func AddU64(a, b uint64) (uint64, error) {
	if b > math.MaxUint64-a {
		return 0, fmt.Errorf("%d + %d: %w", a, b, ErrDimensionOverflow)
	}
	return a + b, nil
}

// FrameBytes computes stride*height with overflow checking.
func FrameBytes(stride uint32, height uint32) (uint64, error) {
	return MulU64(uint64(stride), uint64(height))
}

// PixelBytes computes width*height*BytesPerPixel(format) with overflow
// checking.
func PixelBytes(width, height uint32, format MemoryFormat) (uint64, error) {
	area, err := MulU64(uint64(width), uint64(height))
	if err != nil {
		return 0, err
	}
	return MulU64(area, uint64(format.BytesPerPixel()))
}

// MinStride returns the smallest legal stride for a row of width
// pixels in the given format.
func MinStride(width uint32, format MemoryFormat) (uint32, error) {
	n, err := MulU64(uint64(width), uint64(format.BytesPerPixel()))
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("stride %d: %w", n, ErrDimensionOverflow)
	}
	return uint32(n), nil
}
