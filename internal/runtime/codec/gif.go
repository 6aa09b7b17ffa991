package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"io"

	"github.com/p-arndt/bildkasten/internal/imgformat"
	"github.com/p-arndt/bildkasten/protocol"
)

func init() {
	Register(&gifCodec{})
}

type gifCodec struct{}

func (c *gifCodec) Name() string        { return "gif" }
func (c *gifCodec) MimeTypes() []string { return []string{"image/gif"} }

// Open decodes the whole animation and composites each frame onto the
// logical screen, honoring the per-frame disposal method.
func (c *gifCodec) Open(r io.ReadSeeker) (Decoder, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrInvalidImage)
	}

	width := g.Config.Width
	height := g.Config.Height
	if width == 0 || height == 0 {
		b := g.Image[0].Bounds()
		width, height = b.Max.X, b.Max.Y
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	d := &gifDecoder{
		width:  uint32(width),
		height: uint32(height),
	}
	var snapshot *image.NRGBA
	for i, pal := range g.Image {
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			snapshot = cloneNRGBA(canvas)
		}

		draw.Draw(canvas, pal.Bounds(), pal, pal.Bounds().Min, draw.Over)

		frame, err := FromImage(cloneNRGBA(canvas))
		if err != nil {
			return nil, err
		}
		delayMs := int64(0)
		if i < len(g.Delay) {
			delayMs = int64(g.Delay[i]) * 10
		}
		frame.DelayMs = &delayMs
		frame.NFrame = uint64(i)
		d.frames = append(d.frames, frame)
		if i == 0 {
			d.first = cloneNRGBA(canvas)
		}

		switch disposal {
		case gif.DisposalBackground:
			clearRect(canvas, pal.Bounds())
		case gif.DisposalPrevious:
			if snapshot != nil {
				canvas = snapshot
			}
		}
	}
	return d, nil
}

type gifDecoder struct {
	width  uint32
	height uint32
	frames []*Frame
	first  *image.NRGBA
	next   uint64
}

func (d *gifDecoder) Info() (*Info, error) {
	count := uint64(len(d.frames))
	return &Info{
		Width:      d.width,
		Height:     d.height,
		FrameCount: &count,
		FormatName: "gif",
		Format:     imgformat.R8G8B8A8,
	}, nil
}

// NextFrame loops over the animation.
func (d *gifDecoder) NextFrame() (*Frame, error) {
	frame := d.frames[d.next%uint64(len(d.frames))]
	d.next++
	return frame, nil
}

func (d *gifDecoder) Frame(index uint64) (*Frame, error) {
	if index >= uint64(len(d.frames)) {
		return nil, fmt.Errorf("%w: index %d of %d frames", ErrNoSuchFrame, index, len(d.frames))
	}
	return d.frames[index], nil
}

// Edit re-encodes the first frame. Animations collapse to a still.
func (d *gifDecoder) Edit(ops []protocol.EditOp) ([]byte, error) {
	edited, err := Apply(d.first, ops)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gif.Encode(&buf, edited, nil); err != nil {
		return nil, fmt.Errorf("encode gif: %w", err)
	}
	return buf.Bytes(), nil
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

func clearRect(canvas *image.NRGBA, r image.Rectangle) {
	r = r.Intersect(canvas.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := y*canvas.Stride + r.Min.X*4
		row := canvas.Pix[off : off+r.Dx()*4]
		for i := range row {
			row[i] = 0
		}
	}
}
