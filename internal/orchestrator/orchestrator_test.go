//go:build linux

package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/p-arndt/bildkasten/internal/config"
	"github.com/p-arndt/bildkasten/internal/imgformat"
	"github.com/p-arndt/bildkasten/internal/loaderconf"
	"github.com/p-arndt/bildkasten/internal/membudget"
	"github.com/p-arndt/bildkasten/internal/memfd"
	"github.com/p-arndt/bildkasten/internal/sandbox"
	"github.com/p-arndt/bildkasten/internal/testutil"
	"github.com/p-arndt/bildkasten/protocol"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type fakeProcess struct {
	exit chan int
	once sync.Once
}

func newFakeProcess() *fakeProcess { return &fakeProcess{exit: make(chan int, 1)} }

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Signal(sig os.Signal) error { p.stop(0); return nil }

func (p *fakeProcess) Kill() error { p.stop(137); return nil }

func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }

func (p *fakeProcess) stop(code int) { p.once.Do(func() { p.exit <- code }) }

type serveFunc func(conn *protocol.Conn, proc *fakeProcess, stderr io.Writer)

// fakeBackend runs the decoder side in-process over the real IPC
// socketpair.
type fakeBackend struct {
	serve serveFunc
	spec  *sandbox.Spec
}

func (b *fakeBackend) Kind() sandbox.Kind { return sandbox.KindUnconfined }
func (b *fakeBackend) Check() error       { return nil }

func (b *fakeBackend) Spawn(ctx context.Context, spec *sandbox.Spec, ipc *os.File, stderr io.Writer) (sandbox.Process, error) {
	b.spec = spec
	dup, err := unix.Dup(int(ipc.Fd()))
	if err != nil {
		return nil, err
	}
	conn := protocol.NewConn(os.NewFile(uintptr(dup), "fake-decoder-ipc"))
	proc := newFakeProcess()
	go b.serve(conn, proc, stderr)
	return proc, nil
}

// happyServe speaks one full conversation: init reply, sealed frame
// replies, terminate.
func happyServe(width, height uint32, pixels []byte, delayMs *int64) serveFunc {
	return func(conn *protocol.Conn, proc *fakeProcess, stderr io.Writer) {
		defer conn.Close()
		for {
			var req protocol.Request
			files, err := conn.Recv(&req)
			if err != nil {
				proc.stop(0)
				return
			}
			for _, f := range files {
				f.Close()
			}
			switch req.Type {
			case protocol.RequestInit:
				fc := uint64(1)
				conn.Send(&protocol.Response{
					Type: protocol.ResponseInitReply,
					Info: &protocol.ImageInfo{
						Width:      width,
						Height:     height,
						FrameCount: &fc,
						FormatName: "png",
						Exif:       &protocol.Blob{Inline: []byte("exif-data")},
					},
				}, nil)
			case protocol.RequestFrame:
				tex, err := memfd.Create("texture", uint64(len(pixels)))
				if err != nil {
					proc.stop(1)
					return
				}
				tex.WriteAt(pixels, 0)
				if err := memfd.Seal(tex); err != nil {
					proc.stop(1)
					return
				}
				conn.Send(&protocol.Response{
					Type: protocol.ResponseFrameReply,
					Frame: &protocol.Frame{
						Width:        width,
						Height:       height,
						Stride:       width * 4,
						MemoryFormat: uint32(imgformat.R8G8B8A8),
						Texture:      0,
						DelayMs:      delayMs,
					},
				}, []int{int(tex.Fd())})
				tex.Close()
			case protocol.RequestTerminate:
				proc.stop(0)
				return
			}
		}
	}
}

func testOrchestrator(t *testing.T, serve serveFunc, cfg *config.Config) *Orchestrator {
	t.Helper()

	if cfg == nil {
		cfg = testutil.Config()
	}

	o, err := New(Options{
		Config:   cfg,
		Registry: testutil.Registry(t, "/usr/libexec/bildkasten/fake-loader", "image/png"),
		Budget:   membudget.New(func() (uint64, error) { return 1 << 30, nil }),
		Backend:  &fakeBackend{serve: serve},
		Logger:   testutil.Logger(),
	})
	require.NoError(t, err)
	return o
}

func writeImageFile(t *testing.T, name string, header []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, header, 0o644))
	return path
}

func TestLoadInfoAndFrame(t *testing.T) {
	pixels := make([]byte, 2*2*4)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	zero := int64(0)
	o := testOrchestrator(t, happyServe(2, 2, pixels, &zero), nil)
	path := writeImageFile(t, "tiny.png", pngMagic)

	img, err := o.Load(context.Background(), LoadRequest{Path: path})
	require.NoError(t, err)
	defer img.Close()

	info := img.Info()
	assert.Equal(t, uint32(2), info.Width)
	assert.Equal(t, uint32(2), info.Height)
	assert.Equal(t, "png", info.FormatName)
	assert.Equal(t, []byte("exif-data"), info.Exif)

	frame, err := img.NextFrame(context.Background())
	require.NoError(t, err)
	defer frame.Close()

	assert.Equal(t, uint32(8), frame.Stride)
	assert.Equal(t, imgformat.R8G8B8A8, frame.Format)
	assert.Equal(t, pixels, frame.Data())
	assert.Equal(t, DefaultFrameDelay, frame.Delay)
}

func TestExtraSyscallsForwarded(t *testing.T) {
	dataDir := t.TempDir()
	dir := filepath.Join(dataDir, "bildkasten", "loaders")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	conf := "binary=/usr/libexec/bildkasten/fake-loader\nmime_types=image/png\nextra_syscalls=ioctl;fallocate\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "png.conf"), []byte(conf), 0o644))
	reg, err := loaderconf.Discover([]string{dataDir}, nil)
	require.NoError(t, err)

	fb := &fakeBackend{serve: happyServe(1, 1, make([]byte, 4), nil)}
	o, err := New(Options{
		Config:   testutil.Config(),
		Registry: reg,
		Budget:   membudget.New(func() (uint64, error) { return 1 << 30, nil }),
		Backend:  fb,
		Logger:   testutil.Logger(),
	})
	require.NoError(t, err)

	path := writeImageFile(t, "tiny.png", pngMagic)
	img, err := o.Load(context.Background(), LoadRequest{Path: path})
	require.NoError(t, err)
	defer img.Close()

	require.NotNil(t, fb.spec)
	assert.Equal(t, []string{"--extra-syscalls", "ioctl;fallocate"}, fb.spec.Args)
}

func TestFrameStrideCompacted(t *testing.T) {
	// 2x2 R8G8B8A8 with a 9-byte stride: one padding byte per row that
	// is not a whole pixel.
	const stride = 9
	pixels := make([]byte, stride*2)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	o := testOrchestrator(t, func(conn *protocol.Conn, proc *fakeProcess, stderr io.Writer) {
		defer conn.Close()
		for {
			var req protocol.Request
			files, err := conn.Recv(&req)
			if err != nil {
				proc.stop(0)
				return
			}
			for _, f := range files {
				f.Close()
			}
			switch req.Type {
			case protocol.RequestInit:
				conn.Send(&protocol.Response{
					Type: protocol.ResponseInitReply,
					Info: &protocol.ImageInfo{Width: 2, Height: 2},
				}, nil)
			case protocol.RequestFrame:
				tex, err := memfd.Create("texture", uint64(len(pixels)))
				if err != nil {
					proc.stop(1)
					return
				}
				tex.WriteAt(pixels, 0)
				if err := memfd.Seal(tex); err != nil {
					proc.stop(1)
					return
				}
				conn.Send(&protocol.Response{
					Type: protocol.ResponseFrameReply,
					Frame: &protocol.Frame{
						Width: 2, Height: 2, Stride: stride,
						MemoryFormat: uint32(imgformat.R8G8B8A8),
					},
				}, []int{int(tex.Fd())})
				tex.Close()
			case protocol.RequestTerminate:
				proc.stop(0)
				return
			}
		}
	}, nil)
	path := writeImageFile(t, "tiny.png", pngMagic)

	img, err := o.Load(context.Background(), LoadRequest{Path: path})
	require.NoError(t, err)
	defer img.Close()

	frame, err := img.NextFrame(context.Background())
	require.NoError(t, err)
	defer frame.Close()

	assert.Equal(t, uint32(8), frame.Stride)
	want := append(append([]byte{}, pixels[0:8]...), pixels[9:17]...)
	assert.Equal(t, want, frame.Data())
}

func TestCloseReleasesReservation(t *testing.T) {
	budget := membudget.New(func() (uint64, error) { return 1 << 30, nil })
	o := testOrchestrator(t, happyServe(1, 1, make([]byte, 4), nil), nil)
	o.budget = budget

	path := writeImageFile(t, "tiny.png", pngMagic)
	img, err := o.Load(context.Background(), LoadRequest{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 1, budget.InFlight())

	require.NoError(t, img.Close())
	require.NoError(t, img.Close())
	assert.Equal(t, 0, budget.InFlight())

	_, err = img.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrImageClosed)
}

func TestCrashDuringHandshake(t *testing.T) {
	o := testOrchestrator(t, func(conn *protocol.Conn, proc *fakeProcess, stderr io.Writer) {
		io.WriteString(stderr, "decoder exploded\n")
		conn.Close()
		proc.stop(2)
	}, nil)
	path := writeImageFile(t, "tiny.png", pngMagic)

	_, err := o.Load(context.Background(), LoadRequest{Path: path})
	var crash *CrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, 2, crash.ExitCode)
	assert.Contains(t, crash.Stderr, "decoder exploded")
}

func TestUnsealedTextureRejected(t *testing.T) {
	o := testOrchestrator(t, func(conn *protocol.Conn, proc *fakeProcess, stderr io.Writer) {
		defer conn.Close()
		for {
			var req protocol.Request
			files, err := conn.Recv(&req)
			if err != nil {
				proc.stop(0)
				return
			}
			for _, f := range files {
				f.Close()
			}
			switch req.Type {
			case protocol.RequestInit:
				conn.Send(&protocol.Response{
					Type: protocol.ResponseInitReply,
					Info: &protocol.ImageInfo{Width: 1, Height: 1},
				}, nil)
			case protocol.RequestFrame:
				tex, err := memfd.Create("texture", 4)
				if err != nil {
					proc.stop(1)
					return
				}
				conn.Send(&protocol.Response{
					Type: protocol.ResponseFrameReply,
					Frame: &protocol.Frame{
						Width: 1, Height: 1, Stride: 4,
						MemoryFormat: uint32(imgformat.R8G8B8A8),
					},
				}, []int{int(tex.Fd())})
				tex.Close()
			case protocol.RequestTerminate:
				proc.stop(0)
				return
			}
		}
	}, nil)
	path := writeImageFile(t, "tiny.png", pngMagic)

	img, err := o.Load(context.Background(), LoadRequest{Path: path})
	require.NoError(t, err)
	defer img.Close()

	_, err = img.NextFrame(context.Background())
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ViolationUnsealedMemfd, perr.Violation)
}

func TestSkipExtension(t *testing.T) {
	cfg := testutil.Config()
	cfg.SkipExtensions = []string{"png"}
	o := testOrchestrator(t, happyServe(1, 1, make([]byte, 4), nil), cfg)
	path := writeImageFile(t, "tiny.png", pngMagic)

	_, err := o.Load(context.Background(), LoadRequest{Path: path})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestNoLoaderConfigured(t *testing.T) {
	o := testOrchestrator(t, happyServe(1, 1, make([]byte, 4), nil), nil)
	jpegMagic := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0, 'J', 'F', 'I', 'F'}
	path := writeImageFile(t, "photo.jpg", jpegMagic)

	_, err := o.Load(context.Background(), LoadRequest{Path: path})
	assert.ErrorIs(t, err, ErrNoLoaderConfigured)
}

func TestSniffMime(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		header []byte
		want   string
	}{
		{"png magic", "a.bin", pngMagic, "image/png"},
		{"tiff little endian", "b.bin", []byte{'I', 'I', 0x2a, 0x00}, "image/tiff"},
		{"tiff big endian", "c.bin", []byte{'M', 'M', 0x00, 0x2a}, "image/tiff"},
		{"extension fallback", "d.png", []byte("not an image at all"), "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImageFile(t, tt.file, tt.header)
			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()
			got, err := sniffMime(f, path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unrecognized", func(t *testing.T) {
		path := writeImageFile(t, "e.bin", []byte("plain text"))
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		_, err = sniffMime(f, path)
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})
}

func TestRemoteToErr(t *testing.T) {
	err := remoteToErr(&protocol.RemoteErr{Kind: protocol.ErrKindCancelled, Message: "gone"})
	assert.ErrorIs(t, err, ErrCancelled)

	err = remoteToErr(&protocol.RemoteErr{Kind: protocol.ErrKindUnsupported, Message: "no codec"})
	assert.ErrorIs(t, err, ErrUnknownFormat)

	err = remoteToErr(&protocol.RemoteErr{Kind: protocol.ErrKindVersionMismatch, Message: "want 1"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ViolationVersionMismatch, perr.Violation)

	err = remoteToErr(&protocol.RemoteErr{Kind: protocol.ErrKindInvalidImage, Message: "truncated"})
	var derr *DecoderError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrKindInvalidImage, derr.Remote.Kind)
	assert.True(t, errors.As(err, &derr))
}
