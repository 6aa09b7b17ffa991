package codec

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/p-arndt/bildkasten/protocol"
)

// stillCodec wraps a single-frame stdlib-style codec: a decode
// function, a header-only config function and an optional encoder for
// edits.
type stillCodec struct {
	name   string
	mimes  []string
	decode func(io.Reader) (image.Image, error)
	config func(io.Reader) (image.Config, error)
	encode func(io.Writer, image.Image) error
}

func (c *stillCodec) Name() string        { return c.name }
func (c *stillCodec) MimeTypes() []string { return c.mimes }

func (c *stillCodec) Open(r io.ReadSeeker) (Decoder, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	cfg, err := c.config(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width) > math.MaxUint32 || int64(cfg.Height) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	return &stillDecoder{codec: c, r: r, cfg: cfg}, nil
}

// stillDecoder decodes lazily: Info costs only the header read, the
// full decode happens on the first frame request.
type stillDecoder struct {
	codec *stillCodec
	r     io.ReadSeeker
	cfg   image.Config
	img   image.Image
}

func (d *stillDecoder) Info() (*Info, error) {
	one := uint64(1)
	return &Info{
		Width:      uint32(d.cfg.Width),
		Height:     uint32(d.cfg.Height),
		FrameCount: &one,
		FormatName: d.codec.name,
		Format:     FormatForModel(d.cfg.ColorModel),
	}, nil
}

func (d *stillDecoder) decodeOnce() (image.Image, error) {
	if d.img != nil {
		return d.img, nil
	}
	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, err := d.codec.decode(d.r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	d.img = img
	return img, nil
}

func (d *stillDecoder) NextFrame() (*Frame, error) { return d.Frame(0) }

func (d *stillDecoder) Frame(index uint64) (*Frame, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: index %d of a still image", ErrNoSuchFrame, index)
	}
	img, err := d.decodeOnce()
	if err != nil {
		return nil, err
	}
	return FromImage(img)
}

func (d *stillDecoder) Edit(ops []protocol.EditOp) ([]byte, error) {
	if d.codec.encode == nil {
		return nil, fmt.Errorf("%w: %s", ErrEditUnsupported, d.codec.name)
	}
	img, err := d.decodeOnce()
	if err != nil {
		return nil, err
	}
	edited, err := Apply(ToNRGBA(img), ops)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := d.codec.encode(&buf, edited); err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.codec.name, err)
	}
	return buf.Bytes(), nil
}
