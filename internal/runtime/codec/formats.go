package codec

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// jpegQuality is used when re-encoding after an edit.
const jpegQuality = 90

func init() {
	Register(&stillCodec{
		name:   "png",
		mimes:  []string{"image/png"},
		decode: png.Decode,
		config: png.DecodeConfig,
		encode: png.Encode,
	})
	Register(&stillCodec{
		name:   "jpeg",
		mimes:  []string{"image/jpeg"},
		decode: jpeg.Decode,
		config: jpeg.DecodeConfig,
		encode: func(w io.Writer, m image.Image) error {
			return jpeg.Encode(w, m, &jpeg.Options{Quality: jpegQuality})
		},
	})
	Register(&stillCodec{
		name:   "webp",
		mimes:  []string{"image/webp"},
		decode: webp.Decode,
		config: webp.DecodeConfig,
		// No webp encoder exists; edits are rejected.
	})
	Register(&stillCodec{
		name:   "bmp",
		mimes:  []string{"image/bmp", "image/x-ms-bmp"},
		decode: bmp.Decode,
		config: bmp.DecodeConfig,
		encode: bmp.Encode,
	})
	Register(&stillCodec{
		name:   "tiff",
		mimes:  []string{"image/tiff"},
		decode: tiff.Decode,
		config: tiff.DecodeConfig,
		encode: func(w io.Writer, m image.Image) error {
			return tiff.Encode(w, m, nil)
		},
	})
}
