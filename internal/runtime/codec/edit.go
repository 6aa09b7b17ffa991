package codec

import (
	"fmt"
	"image"

	"github.com/p-arndt/bildkasten/protocol"
)

// Apply runs the edit operations in order on an NRGBA canvas and
// returns the result. The input is never modified.
func Apply(img *image.NRGBA, ops []protocol.EditOp) (*image.NRGBA, error) {
	out := img
	for _, op := range ops {
		var err error
		switch op.Kind {
		case protocol.EditRotate90:
			out = rotate90(out)
		case protocol.EditRotate180:
			out = rotate180(out)
		case protocol.EditRotate270:
			out = rotate270(out)
		case protocol.EditFlipH:
			out = flipH(out)
		case protocol.EditFlipV:
			out = flipV(out)
		case protocol.EditCrop:
			out, err = crop(out, op)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown edit operation %q", op.Kind)
		}
	}
	return out, nil
}

// rotate90 turns the image a quarter turn clockwise.
func rotate90(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(h-1-y, x, src.NRGBAAt(x, y))
		}
	}
	return dst
}

func rotate180(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(w-1-x, h-1-y, src.NRGBAAt(x, y))
		}
	}
	return dst
}

// rotate270 turns the image a quarter turn counterclockwise.
func rotate270(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(y, w-1-x, src.NRGBAAt(x, y))
		}
	}
	return dst
}

func flipH(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(w-1-x, y, src.NRGBAAt(x, y))
		}
	}
	return dst
}

func flipV(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(dst.Pix[(h-1-y)*dst.Stride:(h-y)*dst.Stride], src.Pix[y*src.Stride:y*src.Stride+w*4])
	}
	return dst
}

func crop(src *image.NRGBA, op protocol.EditOp) (*image.NRGBA, error) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if op.Width == 0 || op.Height == 0 {
		return nil, fmt.Errorf("crop region %dx%d is empty", op.Width, op.Height)
	}
	x1 := uint64(op.X) + uint64(op.Width)
	y1 := uint64(op.Y) + uint64(op.Height)
	if x1 > uint64(w) || y1 > uint64(h) {
		return nil, fmt.Errorf("crop region %d,%d %dx%d outside image %dx%d",
			op.X, op.Y, op.Width, op.Height, w, h)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, int(op.Width), int(op.Height)))
	for y := 0; y < int(op.Height); y++ {
		srcOff := (int(op.Y)+y)*src.Stride + int(op.X)*4
		copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], src.Pix[srcOff:srcOff+int(op.Width)*4])
	}
	return dst, nil
}
