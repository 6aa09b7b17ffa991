//go:build linux

// Package runtime is the decoder side of the wire protocol: it serves
// one conversation on the inherited IPC socket, dispatching requests
// to the registered codecs and shipping pixel data as sealed memfds.
package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/p-arndt/bildkasten/internal/imgformat"
	"github.com/p-arndt/bildkasten/internal/memfd"
	"github.com/p-arndt/bildkasten/internal/runtime/codec"
	"github.com/p-arndt/bildkasten/protocol"
)

// Server handles one decoding conversation. Created per process; the
// host never reuses a decoder across images.
type Server struct {
	conn   *protocol.Conn
	logger *slog.Logger

	memoryCap uint64
	dec       codec.Decoder
	editor    codec.Editor
	source    *os.File
	cancelled atomic.Bool
}

func NewServer(conn *protocol.Conn, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{conn: conn, logger: logger}
}

// Run serves requests until Terminate, EOF or an unrecoverable
// failure. The returned error is nil on clean shutdown.
func (s *Server) Run() error {
	defer func() {
		if s.source != nil {
			s.source.Close()
		}
	}()
	for {
		var req protocol.Request
		files, err := s.conn.Recv(&req)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive request: %w", err)
		}

		switch req.Type {
		case protocol.RequestInit:
			err = s.handleInit(&req, files)
		case protocol.RequestFrame:
			closeFiles(files)
			err = s.handleFrame(&req)
		case protocol.RequestEdit:
			closeFiles(files)
			err = s.handleEdit(&req)
		case protocol.RequestTerminate:
			closeFiles(files)
			return nil
		default:
			closeFiles(files)
			err = s.sendErr(protocol.ErrKindMalformed, fmt.Errorf("unknown request type %q", req.Type))
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) handleInit(req *protocol.Request, files []*os.File) error {
	if s.dec != nil {
		closeFiles(files)
		return s.sendErr(protocol.ErrKindMalformed, errors.New("duplicate init"))
	}
	if req.Version != protocol.Version {
		closeFiles(files)
		s.sendErr(protocol.ErrKindVersionMismatch,
			fmt.Errorf("host speaks version %d, decoder speaks %d", req.Version, protocol.Version))
		return fmt.Errorf("protocol version mismatch: host %d", req.Version)
	}

	image, err := protocol.FdAt(files, req.ImageFd)
	if err != nil {
		closeFiles(files)
		return s.sendErr(protocol.ErrKindMalformed, fmt.Errorf("image fd: %w", err))
	}
	files[*req.ImageFd] = nil

	if cancel, err := protocol.FdAt(files, req.CancelFd); err == nil {
		files[*req.CancelFd] = nil
		go s.watchCancel(cancel)
	}
	closeFiles(files)

	s.source = image
	s.memoryCap = req.MemoryCap

	c, err := codec.ForMime(req.MimeType)
	if err != nil {
		return s.sendErr(protocol.ErrKindUnsupported, err)
	}
	dec, err := c.Open(image)
	if err != nil {
		return s.sendErr(errKindFor(err), err)
	}
	info, err := dec.Info()
	if err != nil {
		return s.sendErr(errKindFor(err), err)
	}
	// Reject oversized images from the header alone, before the codec
	// allocates a single pixel row.
	need, err := imgformat.PixelBytes(info.Width, info.Height, info.Format)
	if err != nil {
		return s.sendErr(protocol.ErrKindInvalidImage, err)
	}
	if s.memoryCap != 0 && need > s.memoryCap {
		return s.sendErr(protocol.ErrKindOutOfMemory,
			fmt.Errorf("image needs %d bytes, cap is %d", need, s.memoryCap))
	}
	applySelfLimits(req.MemoryCap, s.logger)
	s.dec = dec
	s.editor, _ = dec.(codec.Editor)

	var fds []int
	var blobFiles []*os.File
	defer closeFiles(blobFiles)

	reply := &protocol.Response{
		Type: protocol.ResponseInitReply,
		Info: &protocol.ImageInfo{
			Width:      info.Width,
			Height:     info.Height,
			FrameCount: info.FrameCount,
			FormatName: info.FormatName,
			KeyValue:   info.KeyValue,
		},
	}
	if reply.Info.Exif, err = s.blobFor(info.Exif, &fds, &blobFiles); err != nil {
		return s.sendErr(protocol.ErrKindInternal, err)
	}
	if reply.Info.Xmp, err = s.blobFor(info.Xmp, &fds, &blobFiles); err != nil {
		return s.sendErr(protocol.ErrKindInternal, err)
	}

	s.logger.Debug("image opened",
		"format", info.FormatName, "width", info.Width, "height", info.Height)
	return s.conn.Send(reply, fds)
}

func (s *Server) handleFrame(req *protocol.Request) error {
	if s.dec == nil {
		return s.sendErr(protocol.ErrKindMalformed, errors.New("frame before init"))
	}
	if s.cancelled.Swap(false) {
		return s.sendErr(protocol.ErrKindCancelled, errors.New("load cancelled by host"))
	}

	var frame *codec.Frame
	var err error
	if req.FrameIndex != nil {
		frame, err = s.dec.Frame(*req.FrameIndex)
	} else {
		frame, err = s.dec.NextFrame()
	}
	if err != nil {
		return s.sendErr(errKindFor(err), err)
	}
	if s.cancelled.Swap(false) {
		return s.sendErr(protocol.ErrKindCancelled, errors.New("load cancelled by host"))
	}
	if s.memoryCap != 0 && uint64(len(frame.Pixels)) > s.memoryCap {
		return s.sendErr(protocol.ErrKindOutOfMemory,
			fmt.Errorf("frame needs %d bytes, cap is %d", len(frame.Pixels), s.memoryCap))
	}

	tex, err := memfd.Create("bildkasten-frame", uint64(len(frame.Pixels)))
	if err != nil {
		return s.sendErr(protocol.ErrKindInternal, fmt.Errorf("texture memfd: %w", err))
	}
	defer tex.Close()
	if _, err := tex.WriteAt(frame.Pixels, 0); err != nil {
		return s.sendErr(protocol.ErrKindInternal, fmt.Errorf("write texture: %w", err))
	}
	if err := memfd.Seal(tex); err != nil {
		return s.sendErr(protocol.ErrKindInternal, fmt.Errorf("seal texture: %w", err))
	}

	bitDepth := frame.BitDepth
	alpha := frame.AlphaChannel
	gray := frame.Grayscale
	nFrame := frame.NFrame
	return s.conn.Send(&protocol.Response{
		Type: protocol.ResponseFrameReply,
		Frame: &protocol.Frame{
			Width:        frame.Width,
			Height:       frame.Height,
			Stride:       frame.Stride,
			MemoryFormat: uint32(frame.Format),
			Texture:      0,
			DelayMs:      frame.DelayMs,
			BitDepth:     &bitDepth,
			AlphaChannel: &alpha,
			Grayscale:    &gray,
			NFrame:       &nFrame,
		},
	}, []int{int(tex.Fd())})
}

func (s *Server) handleEdit(req *protocol.Request) error {
	if s.dec == nil {
		return s.sendErr(protocol.ErrKindMalformed, errors.New("edit before init"))
	}
	if s.editor == nil {
		return s.sendErr(protocol.ErrKindUnsupported, codec.ErrEditUnsupported)
	}
	data, err := s.editor.Edit(req.EditOps)
	if err != nil {
		return s.sendErr(errKindFor(err), err)
	}

	var fds []int
	var blobFiles []*os.File
	defer closeFiles(blobFiles)
	blob, err := s.blobFor(data, &fds, &blobFiles)
	if err != nil {
		return s.sendErr(protocol.ErrKindInternal, err)
	}
	return s.conn.Send(&protocol.Response{
		Type: protocol.ResponseEditReply,
		Data: blob,
	}, fds)
}

// blobFor packs small payloads inline and larger ones into a sealed
// memfd appended to the message's fd list.
func (s *Server) blobFor(data []byte, fds *[]int, blobFiles *[]*os.File) (*protocol.Blob, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) <= protocol.InlineBlobMax {
		return &protocol.Blob{Inline: data, Size: uint64(len(data))}, nil
	}
	f, err := memfd.Create("bildkasten-blob", uint64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("blob memfd: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := memfd.Seal(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("seal blob: %w", err)
	}
	idx := len(*fds)
	*fds = append(*fds, int(f.Fd()))
	*blobFiles = append(*blobFiles, f)
	return &protocol.Blob{Fd: &idx, Size: uint64(len(data))}, nil
}

// watchCancel marks the conversation cancelled for every byte the host
// writes into the pipe.
func (s *Server) watchCancel(cancel *os.File) {
	defer cancel.Close()
	buf := make([]byte, 1)
	for {
		n, err := cancel.Read(buf)
		if n > 0 {
			s.cancelled.Store(true)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) sendErr(kind protocol.ErrKind, cause error) error {
	s.logger.Debug("request failed", "kind", string(kind), "error", cause)
	return s.conn.Send(&protocol.Response{
		Type: protocol.ResponseError,
		Error: &protocol.RemoteErr{
			Kind:    kind,
			Message: cause.Error(),
		},
	}, nil)
}

// errKindFor maps codec errors onto the wire taxonomy.
func errKindFor(err error) protocol.ErrKind {
	switch {
	case errors.Is(err, codec.ErrUnsupportedMime), errors.Is(err, codec.ErrEditUnsupported):
		return protocol.ErrKindUnsupported
	case errors.Is(err, codec.ErrInvalidImage), errors.Is(err, codec.ErrNoSuchFrame),
		errors.Is(err, imgformat.ErrDimensionOverflow):
		return protocol.ErrKindInvalidImage
	default:
		return protocol.ErrKindInternal
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
