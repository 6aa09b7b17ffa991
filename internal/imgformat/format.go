// Package imgformat defines the pixel memory layouts exchanged between
// host and decoder, and checked arithmetic for buffer dimensions.
package imgformat

import "fmt"

// MemoryFormat describes the channel order, bit depth and alpha
// handling of a pixel buffer. Values are part of the wire protocol and
// must never be renumbered.
type MemoryFormat uint32

const (
	B8G8R8A8Premultiplied MemoryFormat = iota
	A8R8G8B8Premultiplied
	R8G8B8A8Premultiplied
	B8G8R8A8
	A8R8G8B8
	R8G8B8A8
	A8B8G8R8
	R8G8B8
	B8G8R8
	R16G16B16
	R16G16B16A16Premultiplied
	R16G16B16A16
	R16G16B16Float
	R16G16B16A16Float
	R32G32B32Float
	R32G32B32A32FloatPremultiplied
	R32G32B32A32Float
	G8A8Premultiplied
	G8A8
	G8
	G16A16Premultiplied
	G16A16
	G16
)

// BytesPerPixel returns the size of one pixel in bytes.
func (f MemoryFormat) BytesPerPixel() uint32 {
	switch f {
	case B8G8R8A8Premultiplied, A8R8G8B8Premultiplied, R8G8B8A8Premultiplied,
		B8G8R8A8, A8R8G8B8, R8G8B8A8, A8B8G8R8,
		G16A16Premultiplied, G16A16:
		return 4
	case R8G8B8, B8G8R8:
		return 3
	case R16G16B16, R16G16B16Float:
		return 6
	case R16G16B16A16Premultiplied, R16G16B16A16, R16G16B16A16Float:
		return 8
	case R32G32B32Float:
		return 12
	case R32G32B32A32FloatPremultiplied, R32G32B32A32Float:
		return 16
	case G8A8Premultiplied, G8A8, G16:
		return 2
	case G8:
		return 1
	default:
		return 0
	}
}

// Channels returns the number of color/alpha channels.
func (f MemoryFormat) Channels() uint8 {
	switch f {
	case R8G8B8, B8G8R8, R16G16B16, R16G16B16Float, R32G32B32Float:
		return 3
	case G8, G16:
		return 1
	case G8A8Premultiplied, G8A8, G16A16Premultiplied, G16A16:
		return 2
	default:
		return 4
	}
}

// HasAlpha reports whether the format carries an alpha channel.
func (f MemoryFormat) HasAlpha() bool {
	switch f.Channels() {
	case 2, 4:
		return true
	}
	return false
}

// Premultiplied reports whether the alpha channel is premultiplied
// into the color channels.
func (f MemoryFormat) Premultiplied() bool {
	switch f {
	case B8G8R8A8Premultiplied, A8R8G8B8Premultiplied, R8G8B8A8Premultiplied,
		R16G16B16A16Premultiplied, R32G32B32A32FloatPremultiplied,
		G8A8Premultiplied, G16A16Premultiplied:
		return true
	}
	return false
}

// Valid reports whether f is a known format value. Unknown values can
// arrive from a decoder speaking a newer protocol minor.
func (f MemoryFormat) Valid() bool {
	return f <= G16
}

func (f MemoryFormat) String() string {
	names := []string{
		"B8G8R8A8-premultiplied", "A8R8G8B8-premultiplied", "R8G8B8A8-premultiplied",
		"B8G8R8A8", "A8R8G8B8", "R8G8B8A8", "A8B8G8R8",
		"R8G8B8", "B8G8R8",
		"R16G16B16", "R16G16B16A16-premultiplied", "R16G16B16A16",
		"R16G16B16-float", "R16G16B16A16-float",
		"R32G32B32-float", "R32G32B32A32-float-premultiplied", "R32G32B32A32-float",
		"G8A8-premultiplied", "G8A8", "G8",
		"G16A16-premultiplied", "G16A16", "G16",
	}
	if int(f) < len(names) {
		return names[f]
	}
	return fmt.Sprintf("unknown(%d)", uint32(f))
}

// MaxBytesPerPixel is the largest pixel size of any known format. Used
// for memory admission estimates before the decoder reports the actual
// format.
const MaxBytesPerPixel = 16
