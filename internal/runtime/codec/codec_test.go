package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/bildkasten/internal/imgformat"
	"github.com/p-arndt/bildkasten/protocol"
)

func encodePNG(t *testing.T, img image.Image) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return bytes.NewReader(buf.Bytes())
}

func TestPNGRoundTrip(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 7)
	}

	c, err := ForMime("image/png")
	require.NoError(t, err)
	dec, err := c.Open(encodePNG(t, src))
	require.NoError(t, err)

	info, err := dec.Info()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), info.Width)
	assert.Equal(t, uint32(2), info.Height)
	assert.Equal(t, "png", info.FormatName)
	require.NotNil(t, info.FrameCount)
	assert.Equal(t, uint64(1), *info.FrameCount)

	frame, err := dec.Frame(0)
	require.NoError(t, err)
	assert.Equal(t, imgformat.R8G8B8A8, frame.Format)
	assert.Equal(t, uint32(12), frame.Stride)
	assert.Equal(t, src.Pix, frame.Pixels)
	assert.Nil(t, frame.DelayMs)
	assert.True(t, frame.AlphaChannel)
}

func TestStillFrameIndexOutOfRange(t *testing.T) {
	c, err := ForMime("image/png")
	require.NoError(t, err)
	dec, err := c.Open(encodePNG(t, image.NewNRGBA(image.Rect(0, 0, 1, 1))))
	require.NoError(t, err)

	_, err = dec.Frame(1)
	assert.ErrorIs(t, err, ErrNoSuchFrame)
}

func TestPNGGray16(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 2, 1))
	src.SetGray16(0, 0, color.Gray16{Y: 0x1234})
	src.SetGray16(1, 0, color.Gray16{Y: 0xff00})

	c, err := ForMime("image/png")
	require.NoError(t, err)
	dec, err := c.Open(encodePNG(t, src))
	require.NoError(t, err)

	frame, err := dec.Frame(0)
	require.NoError(t, err)
	assert.Equal(t, imgformat.G16, frame.Format)
	assert.Equal(t, uint8(16), frame.BitDepth)
	assert.True(t, frame.Grayscale)
	// native little-endian samples
	assert.Equal(t, []byte{0x34, 0x12, 0x00, 0xff}, frame.Pixels)
}

func TestJPEGDecodesToRGBA(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, nil))

	c, err := ForMime("image/jpeg")
	require.NoError(t, err)
	dec, err := c.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	frame, err := dec.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, imgformat.R8G8B8A8, frame.Format)
	assert.Equal(t, uint32(8), frame.Width)
}

func TestInvalidStreamRejected(t *testing.T) {
	c, err := ForMime("image/png")
	require.NoError(t, err)
	_, err = c.Open(bytes.NewReader([]byte("definitely not a png")))
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestForMimeUnknown(t *testing.T) {
	_, err := ForMime("image/avif")
	assert.ErrorIs(t, err, ErrUnsupportedMime)
}

func TestMimeTypesSorted(t *testing.T) {
	mimes := MimeTypes()
	assert.Contains(t, mimes, "image/png")
	assert.Contains(t, mimes, "image/gif")
	assert.Contains(t, mimes, "image/webp")
	assert.IsIncreasing(t, mimes)
}

func encodeGIF(t *testing.T, delays []int) *bytes.Reader {
	t.Helper()
	palette := color.Palette{
		color.RGBA{0, 0, 0, 255},
		color.RGBA{255, 0, 0, 255},
		color.RGBA{0, 255, 0, 255},
	}
	g := &gif.GIF{Config: image.Config{Width: 2, Height: 2}}
	for i, d := range delays {
		pal := image.NewPaletted(image.Rect(0, 0, 2, 2), palette)
		for p := range pal.Pix {
			pal.Pix[p] = byte(i + 1)
		}
		g.Image = append(g.Image, pal)
		g.Delay = append(g.Delay, d)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return bytes.NewReader(buf.Bytes())
}

func TestGIFAnimation(t *testing.T) {
	c, err := ForMime("image/gif")
	require.NoError(t, err)
	dec, err := c.Open(encodeGIF(t, []int{5, 0}))
	require.NoError(t, err)

	info, err := dec.Info()
	require.NoError(t, err)
	require.NotNil(t, info.FrameCount)
	assert.Equal(t, uint64(2), *info.FrameCount)

	first, err := dec.NextFrame()
	require.NoError(t, err)
	require.NotNil(t, first.DelayMs)
	assert.Equal(t, int64(50), *first.DelayMs)
	assert.Equal(t, uint64(0), first.NFrame)
	// frame 0 is solid red
	assert.Equal(t, []byte{255, 0, 0, 255}, first.Pixels[:4])

	second, err := dec.NextFrame()
	require.NoError(t, err)
	require.NotNil(t, second.DelayMs)
	assert.Equal(t, int64(0), *second.DelayMs)

	// animation loops
	looped, err := dec.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), looped.NFrame)

	_, err = dec.Frame(2)
	assert.ErrorIs(t, err, ErrNoSuchFrame)
}

func TestApplyRotate90(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 1, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 2, A: 255})

	out, err := Apply(src, []protocol.EditOp{{Kind: protocol.EditRotate90}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Rect.Dx())
	assert.Equal(t, 2, out.Rect.Dy())
	assert.Equal(t, uint8(1), out.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(2), out.NRGBAAt(0, 1).R)
}

func TestApplyRotateFullCircle(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for i := range src.Pix {
		src.Pix[i] = byte(i)
	}
	out, err := Apply(src, []protocol.EditOp{
		{Kind: protocol.EditRotate90},
		{Kind: protocol.EditRotate270},
	})
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestApplyFlips(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 9, A: 255})

	out, err := Apply(src, []protocol.EditOp{{Kind: protocol.EditFlipH}})
	require.NoError(t, err)
	assert.Equal(t, uint8(9), out.NRGBAAt(1, 0).R)

	out, err = Apply(src, []protocol.EditOp{{Kind: protocol.EditFlipV}})
	require.NoError(t, err)
	assert.Equal(t, uint8(9), out.NRGBAAt(0, 1).R)
}

func TestApplyCrop(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	src.SetNRGBA(2, 3, color.NRGBA{G: 7, A: 255})

	out, err := Apply(src, []protocol.EditOp{
		{Kind: protocol.EditCrop, X: 2, Y: 2, Width: 2, Height: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Rect.Dx())
	assert.Equal(t, uint8(7), out.NRGBAAt(0, 1).G)

	_, err = Apply(src, []protocol.EditOp{
		{Kind: protocol.EditCrop, X: 3, Y: 0, Width: 2, Height: 1},
	})
	assert.Error(t, err)
}

func TestEditWithoutEncoder(t *testing.T) {
	d := &stillDecoder{
		codec: &stillCodec{name: "webp"},
		img:   image.NewNRGBA(image.Rect(0, 0, 1, 1)),
	}
	_, err := d.Edit([]protocol.EditOp{{Kind: protocol.EditRotate90}})
	assert.ErrorIs(t, err, ErrEditUnsupported)
}

func TestEditRoundTrip(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 10, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 20, A: 255})

	c, err := ForMime("image/png")
	require.NoError(t, err)
	dec, err := c.Open(encodePNG(t, src))
	require.NoError(t, err)

	editor, ok := dec.(Editor)
	require.True(t, ok)
	data, err := editor.Edit([]protocol.EditOp{{Kind: protocol.EditFlipH}})
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	flipped := ToNRGBA(decoded)
	assert.Equal(t, uint8(20), flipped.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(10), flipped.NRGBAAt(1, 0).R)
}
