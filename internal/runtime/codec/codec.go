// Package codec implements the in-process image codecs the decoder
// binary serves: each codec turns a byte stream into pixel frames in
// one of the wire memory formats.
package codec

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/p-arndt/bildkasten/internal/imgformat"
	"github.com/p-arndt/bildkasten/protocol"
)

var (
	// ErrUnsupportedMime is returned when no codec claims a MIME type.
	ErrUnsupportedMime = errors.New("no codec for mime type")

	// ErrInvalidImage is returned for streams a codec cannot decode.
	ErrInvalidImage = errors.New("invalid image data")

	// ErrNoSuchFrame is returned for frame indexes past the end.
	ErrNoSuchFrame = errors.New("no such frame")

	// ErrEditUnsupported is returned when a format has no encoder.
	ErrEditUnsupported = errors.New("format does not support editing")
)

// Info is the static metadata a codec reports before any frame is
// decoded.
type Info struct {
	Width      uint32
	Height     uint32
	FrameCount *uint64
	FormatName string

	// Format is the memory format frames will be delivered in, known
	// from the header before any pixel data is decoded.
	Format imgformat.MemoryFormat

	KeyValue map[string]string
	Exif     []byte
	Xmp      []byte
}

// Frame is one decoded frame with a compact stride.
type Frame struct {
	Width  uint32
	Height uint32
	Stride uint32
	Format imgformat.MemoryFormat
	Pixels []byte

	// DelayMs is nil for stills.
	DelayMs *int64

	BitDepth     uint8
	AlphaChannel bool
	Grayscale    bool
	NFrame       uint64
}

// Decoder is one open decoding session over a single image stream.
// Implementations are not safe for concurrent use; the protocol
// serializes requests.
type Decoder interface {
	Info() (*Info, error)
	// NextFrame returns the next frame in animation order, looping
	// back to the first frame after the last.
	NextFrame() (*Frame, error)
	// Frame returns the frame at the given index.
	Frame(index uint64) (*Frame, error)
}

// Editor is implemented by decoders whose format can be re-encoded.
type Editor interface {
	Edit(ops []protocol.EditOp) ([]byte, error)
}

// Codec constructs decoders for a set of MIME types.
type Codec interface {
	Name() string
	MimeTypes() []string
	Open(r io.ReadSeeker) (Decoder, error)
}

var registry = map[string]Codec{}

// Register claims the codec's MIME types. Later registrations win;
// called from init.
func Register(c Codec) {
	for _, m := range c.MimeTypes() {
		registry[m] = c
	}
}

// ForMime returns the codec registered for a MIME type.
func ForMime(mime string) (Codec, error) {
	c, ok := registry[mime]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMime, mime)
	}
	return c, nil
}

// MimeTypes returns all registered MIME types, sorted.
func MimeTypes() []string {
	out := make([]string, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
