//go:build linux

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/p-arndt/bildkasten/internal/imgformat"
	"github.com/p-arndt/bildkasten/internal/membudget"
	"github.com/p-arndt/bildkasten/internal/memfd"
	"github.com/p-arndt/bildkasten/protocol"
)

// MaxTextureBytes caps a single frame's pixel buffer at 8 GiB.
// Anything larger is rejected before mapping.
const MaxTextureBytes = 8 << 30

// DefaultFrameDelay replaces a zero animation delay. Broken GIF
// encoders write 0 and every viewer treats it as 100ms.
const DefaultFrameDelay = 100 * time.Millisecond

// ImageInfo is the resolved static metadata of an opened image.
type ImageInfo struct {
	Width      uint32
	Height     uint32
	FrameCount *uint64 // nil when the codec cannot tell without decoding
	FormatName string

	Exif []byte
	Xmp  []byte

	KeyValue               map[string]string
	TransformationsApplied bool
	DimensionsText         string
	DimensionsInch         *protocol.Dimensions
}

// FrameDetails carries the optional per-frame metadata.
type FrameDetails struct {
	Iccp         []byte
	IccpApplied  bool
	Cicp         []byte
	BitDepth     *uint8
	AlphaChannel *bool
	Grayscale    *bool
	NFrame       *uint64
}

// Frame is one decoded frame backed by a read-only mapping of the
// sealed pixel memfd. Close releases the mapping; the data slice must
// not be used afterwards.
type Frame struct {
	Width   uint32
	Height  uint32
	Stride  uint32
	Format  imgformat.MemoryFormat
	Delay   time.Duration
	Details FrameDetails

	data    []byte
	mapping *memfd.Mapping // nil when rows were compacted into host memory
	file    *os.File
	once    sync.Once
}

// Data is the pixel buffer, row-major with the frame's stride.
func (f *Frame) Data() []byte { return f.data }

func (f *Frame) Close() error {
	var err error
	f.once.Do(func() {
		if f.mapping != nil {
			err = f.mapping.Close()
		}
		if f.file != nil {
			f.file.Close()
		}
	})
	return err
}

// FrameRequest selects and shapes one frame fetch.
type FrameRequest struct {
	// Index picks a specific frame; nil means the next frame in
	// animation order.
	Index *uint64
	Scale *protocol.ScaleHint
	Clip  *protocol.ClipRect
}

// Image is an open decoding conversation. All methods serialize; one
// request is in flight at a time.
type Image struct {
	proc        *decoderProcess
	info        *ImageInfo
	reservation *membudget.Reservation
	source      *os.File

	mu     sync.Mutex
	closed bool
}

// Info returns the metadata reported on init.
func (img *Image) Info() *ImageInfo { return img.info }

// NextFrame decodes the next frame, looping for animations.
func (img *Image) NextFrame(ctx context.Context) (*Frame, error) {
	return img.Frame(ctx, FrameRequest{})
}

// SpecificFrame decodes the frame at the given index.
func (img *Image) SpecificFrame(ctx context.Context, index uint64) (*Frame, error) {
	return img.Frame(ctx, FrameRequest{Index: &index})
}

func (img *Image) Frame(ctx context.Context, req FrameRequest) (*Frame, error) {
	if err := img.guard(); err != nil {
		return nil, err
	}
	resp, files, err := img.proc.roundTrip(ctx, &protocol.Request{
		Type:       protocol.RequestFrame,
		FrameIndex: req.Index,
		Scale:      req.Scale,
		Clip:       req.Clip,
	})
	if err != nil {
		return nil, err
	}
	frame, err := frameFromReply(resp, files)
	if err != nil {
		closeFiles(files)
		return nil, err
	}
	return frame, nil
}

// Edit applies the operations and returns the re-encoded image bytes.
func (img *Image) Edit(ctx context.Context, ops []protocol.EditOp) ([]byte, error) {
	if err := img.guard(); err != nil {
		return nil, err
	}
	resp, files, err := img.proc.roundTrip(ctx, &protocol.Request{
		Type:    protocol.RequestEdit,
		EditOps: ops,
	})
	if err != nil {
		return nil, err
	}
	defer closeFiles(files)
	if resp.Type != protocol.ResponseEditReply || resp.Data == nil {
		return nil, &ProtocolError{
			Violation: ViolationMalformed,
			Detail:    fmt.Sprintf("expected edit reply, got %q", resp.Type),
		}
	}
	return resolveBlob(resp.Data, files)
}

// Close tears the decoder down and releases the memory reservation.
// Safe to call more than once.
func (img *Image) Close() error {
	img.mu.Lock()
	if img.closed {
		img.mu.Unlock()
		return nil
	}
	img.closed = true
	img.mu.Unlock()

	err := img.proc.close()
	if img.reservation != nil {
		img.reservation.Release()
	}
	if img.source != nil {
		img.source.Close()
	}
	return err
}

func (img *Image) guard() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrImageClosed
	}
	return nil
}

// frameFromReply validates a frame reply and maps its texture. The
// texture must be a fully sealed memfd large enough for stride*height.
func frameFromReply(resp *protocol.Response, files []*os.File) (*Frame, error) {
	if resp.Type != protocol.ResponseFrameReply || resp.Frame == nil {
		return nil, &ProtocolError{
			Violation: ViolationMalformed,
			Detail:    fmt.Sprintf("expected frame reply, got %q", resp.Type),
		}
	}
	pf := resp.Frame

	if pf.Width == 0 || pf.Height == 0 {
		return nil, &ProtocolError{Violation: ViolationMalformed, Detail: "zero frame dimensions"}
	}
	format := imgformat.MemoryFormat(pf.MemoryFormat)
	if !format.Valid() {
		return nil, &ProtocolError{
			Violation: ViolationMalformed,
			Detail:    fmt.Sprintf("unknown memory format %d", pf.MemoryFormat),
		}
	}
	minStride, err := imgformat.MinStride(pf.Width, format)
	if err != nil {
		return nil, &ProtocolError{Violation: ViolationMalformed, Detail: err.Error()}
	}
	if pf.Stride < minStride {
		return nil, &ProtocolError{
			Violation: ViolationMalformed,
			Detail:    fmt.Sprintf("stride %d below minimum %d", pf.Stride, minStride),
		}
	}
	total, err := imgformat.FrameBytes(pf.Stride, pf.Height)
	if err != nil {
		return nil, &ProtocolError{Violation: ViolationMalformed, Detail: err.Error()}
	}
	if total > MaxTextureBytes {
		return nil, fmt.Errorf("%w: texture of %d bytes exceeds %d", imgformat.ErrDimensionOverflow, total, uint64(MaxTextureBytes))
	}

	texFile, err := protocol.FdAt(files, &pf.Texture)
	if err != nil {
		return nil, &ProtocolError{Violation: ViolationMalformed, Detail: err.Error()}
	}
	if err := memfd.Verify(texFile); err != nil {
		return nil, &ProtocolError{Violation: ViolationUnsealedMemfd, Detail: err.Error()}
	}
	mapping, err := memfd.MapReadOnly(texFile)
	if err != nil {
		return nil, fmt.Errorf("map texture: %w", err)
	}
	if uint64(len(mapping.Data)) < total {
		mapping.Close()
		return nil, &ProtocolError{
			Violation: ViolationMalformed,
			Detail:    fmt.Sprintf("texture of %d bytes smaller than %d", len(mapping.Data), total),
		}
	}

	var delay time.Duration
	if pf.DelayMs != nil {
		delay = time.Duration(*pf.DelayMs) * time.Millisecond
		if delay <= 0 {
			delay = DefaultFrameDelay
		}
	}

	iccp, err := resolveBlob(pf.Iccp, files)
	if err != nil {
		mapping.Close()
		return nil, err
	}

	// Texture consumers address whole pixels. A stride that is not a
	// pixel multiple gets compacted to minStride in host memory.
	stride := pf.Stride
	data := mapping.Data[:total]
	if stride%format.BytesPerPixel() != 0 {
		compact := make([]byte, uint64(minStride)*uint64(pf.Height))
		for y := uint64(0); y < uint64(pf.Height); y++ {
			copy(compact[y*uint64(minStride):(y+1)*uint64(minStride)],
				data[y*uint64(stride):y*uint64(stride)+uint64(minStride)])
		}
		mapping.Close()
		texFile.Close()
		files[pf.Texture] = nil
		return &Frame{
			Width:  pf.Width,
			Height: pf.Height,
			Stride: minStride,
			Format: format,
			Delay:  delay,
			Details: FrameDetails{
				Iccp:         iccp,
				IccpApplied:  pf.IccpApplied,
				Cicp:         pf.Cicp,
				BitDepth:     pf.BitDepth,
				AlphaChannel: pf.AlphaChannel,
				Grayscale:    pf.Grayscale,
				NFrame:       pf.NFrame,
			},
			data: compact,
		}, nil
	}

	frame := &Frame{
		Width:  pf.Width,
		Height: pf.Height,
		Stride: stride,
		Format: format,
		Delay:  delay,
		Details: FrameDetails{
			Iccp:         iccp,
			IccpApplied:  pf.IccpApplied,
			Cicp:         pf.Cicp,
			BitDepth:     pf.BitDepth,
			AlphaChannel: pf.AlphaChannel,
			Grayscale:    pf.Grayscale,
			NFrame:       pf.NFrame,
		},
		data:    data,
		mapping: mapping,
		file:    texFile,
	}
	// Detach the texture fd so closeFiles on the caller's error path
	// cannot double-close it.
	files[pf.Texture] = nil
	return frame, nil
}

// resolveBlob copies a metadata blob into host memory. Fd-backed blobs
// must be sealed memfds.
func resolveBlob(b *protocol.Blob, files []*os.File) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	if b.Fd == nil {
		if len(b.Inline) == 0 {
			return nil, nil
		}
		out := make([]byte, len(b.Inline))
		copy(out, b.Inline)
		return out, nil
	}

	f, err := protocol.FdAt(files, b.Fd)
	if err != nil {
		return nil, &ProtocolError{Violation: ViolationMalformed, Detail: err.Error()}
	}
	if err := memfd.Verify(f); err != nil {
		return nil, &ProtocolError{Violation: ViolationUnsealedMemfd, Detail: err.Error()}
	}
	mapping, err := memfd.MapReadOnly(f)
	if err != nil {
		return nil, fmt.Errorf("map blob: %w", err)
	}
	defer mapping.Close()

	data := mapping.Data
	if b.Size > 0 && b.Size < uint64(len(data)) {
		data = data[:b.Size]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// resolveInfo copies the init metadata, pulling fd-backed Exif and XMP
// blobs into host memory.
func resolveInfo(pi *protocol.ImageInfo, files []*os.File) (*ImageInfo, error) {
	exif, err := resolveBlob(pi.Exif, files)
	if err != nil {
		return nil, err
	}
	xmp, err := resolveBlob(pi.Xmp, files)
	if err != nil {
		return nil, err
	}
	return &ImageInfo{
		Width:                  pi.Width,
		Height:                 pi.Height,
		FrameCount:             pi.FrameCount,
		FormatName:             pi.FormatName,
		Exif:                   exif,
		Xmp:                    xmp,
		KeyValue:               pi.KeyValue,
		TransformationsApplied: pi.TransformationsApplied,
		DimensionsText:         pi.DimensionsText,
		DimensionsInch:         pi.DimensionsInch,
	}, nil
}
