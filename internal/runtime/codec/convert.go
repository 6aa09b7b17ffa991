package codec

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/p-arndt/bildkasten/internal/imgformat"
)

// FormatForModel predicts the wire format FromImage will emit for a
// decoded image of the given color model. The header-only config read
// makes this available before any pixel allocation.
func FormatForModel(m color.Model) imgformat.MemoryFormat {
	switch m {
	case color.GrayModel:
		return imgformat.G8
	case color.Gray16Model:
		return imgformat.G16
	case color.NRGBA64Model:
		return imgformat.R16G16B16A16
	case color.RGBAModel:
		return imgformat.R8G8B8A8Premultiplied
	default:
		return imgformat.R8G8B8A8
	}
}

// FromImage copies a decoded image into a compact pixel buffer in the
// closest wire memory format. 16-bit and grayscale sources keep their
// depth; everything else lands in 8-bit RGBA.
func FromImage(img image.Image) (*Frame, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty bounds", ErrInvalidImage)
	}
	width := uint32(b.Dx())
	height := uint32(b.Dy())

	switch src := img.(type) {
	case *image.NRGBA:
		return compactCopy(src.Pix, src.Stride, width, height, imgformat.R8G8B8A8, 8, true, false)
	case *image.RGBA:
		return compactCopy(src.Pix, src.Stride, width, height, imgformat.R8G8B8A8Premultiplied, 8, true, false)
	case *image.Gray:
		return compactCopy(src.Pix, src.Stride, width, height, imgformat.G8, 8, false, true)
	case *image.Gray16:
		return convertGray16(src, width, height)
	case *image.NRGBA64:
		return convertNRGBA64(src, width, height)
	default:
		return convertGeneric(img, width, height)
	}
}

// compactCopy rewrites a possibly padded pix slice into rows of
// exactly width*bpp bytes.
func compactCopy(pix []byte, srcStride int, width, height uint32, format imgformat.MemoryFormat, depth uint8, alpha, gray bool) (*Frame, error) {
	stride, err := imgformat.MinStride(width, format)
	if err != nil {
		return nil, err
	}
	total, err := imgformat.FrameBytes(stride, height)
	if err != nil {
		return nil, err
	}
	out := make([]byte, total)
	for y := uint32(0); y < height; y++ {
		srcOff := int(y) * srcStride
		dstOff := uint64(y) * uint64(stride)
		copy(out[dstOff:dstOff+uint64(stride)], pix[srcOff:srcOff+int(stride)])
	}
	return &Frame{
		Width:        width,
		Height:       height,
		Stride:       stride,
		Format:       format,
		Pixels:       out,
		BitDepth:     depth,
		AlphaChannel: alpha,
		Grayscale:    gray,
	}, nil
}

// convertGray16 reorders the stdlib's big-endian samples into native
// little-endian G16.
func convertGray16(src *image.Gray16, width, height uint32) (*Frame, error) {
	stride, err := imgformat.MinStride(width, imgformat.G16)
	if err != nil {
		return nil, err
	}
	total, err := imgformat.FrameBytes(stride, height)
	if err != nil {
		return nil, err
	}
	out := make([]byte, total)
	for y := uint32(0); y < height; y++ {
		srcOff := int(y) * src.Stride
		dstOff := uint64(y) * uint64(stride)
		for x := uint32(0); x < width; x++ {
			hi := src.Pix[srcOff+int(x)*2]
			lo := src.Pix[srcOff+int(x)*2+1]
			out[dstOff+uint64(x)*2] = lo
			out[dstOff+uint64(x)*2+1] = hi
		}
	}
	return &Frame{
		Width:     width,
		Height:    height,
		Stride:    stride,
		Format:    imgformat.G16,
		Pixels:    out,
		BitDepth:  16,
		Grayscale: true,
	}, nil
}

// convertNRGBA64 reorders big-endian 16-bit RGBA into native order.
func convertNRGBA64(src *image.NRGBA64, width, height uint32) (*Frame, error) {
	stride, err := imgformat.MinStride(width, imgformat.R16G16B16A16)
	if err != nil {
		return nil, err
	}
	total, err := imgformat.FrameBytes(stride, height)
	if err != nil {
		return nil, err
	}
	out := make([]byte, total)
	for y := uint32(0); y < height; y++ {
		srcOff := int(y) * src.Stride
		dstOff := uint64(y) * uint64(stride)
		for i := uint32(0); i < width*4; i++ {
			hi := src.Pix[srcOff+int(i)*2]
			lo := src.Pix[srcOff+int(i)*2+1]
			out[dstOff+uint64(i)*2] = lo
			out[dstOff+uint64(i)*2+1] = hi
		}
	}
	return &Frame{
		Width:        width,
		Height:       height,
		Stride:       stride,
		Format:       imgformat.R16G16B16A16,
		Pixels:       out,
		BitDepth:     16,
		AlphaChannel: true,
	}, nil
}

// convertGeneric draws the image onto an NRGBA canvas. Covers YCbCr,
// paletted and any exotic color models.
func convertGeneric(img image.Image, width, height uint32) (*Frame, error) {
	canvas := image.NewNRGBA(image.Rect(0, 0, int(width), int(height)))
	draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)
	return compactCopy(canvas.Pix, canvas.Stride, width, height, imgformat.R8G8B8A8, 8, true, false)
}

// ToNRGBA renders any image as an NRGBA canvas anchored at the
// origin. Edit operations work on this representation.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == image.Pt(0, 0) {
		return n
	}
	b := img.Bounds()
	canvas := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Src)
	return canvas
}
