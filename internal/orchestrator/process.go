//go:build linux

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/bildkasten/internal/loaderconf"
	"github.com/p-arndt/bildkasten/internal/sandbox"
	"github.com/p-arndt/bildkasten/protocol"
)

// decoderProcess owns one running decoder: its IPC connection, its
// cancellation pipe, the sandboxed child, and the stderr tail. All
// request/response traffic is serialized; the protocol allows one
// outstanding request per conversation.
type decoderProcess struct {
	id     string
	conn   *protocol.Conn
	proc   sandbox.Process
	stderr *ringBuffer
	logger *slog.Logger
	grace  time.Duration

	// cancelW is the write end of the cancellation pipe. A single
	// byte tells the decoder to abandon the in-flight request.
	cancelW *os.File

	mu     sync.Mutex
	waitCh chan waitStatus
	closed bool
}

type waitStatus struct {
	code int
	err  error
}

type spawnOptions struct {
	backend     sandbox.Backend
	descriptor  *loaderconf.Descriptor
	image       *os.File
	baseDir     *os.File
	baseDirPath string
	mimeType    string
	memoryCap   uint64
	pidsLimit   int
	handshake   time.Duration
	grace       time.Duration
	logger      *slog.Logger
}

// spawnDecoder starts a decoder in the sandbox and completes the init
// handshake. On any failure the child and all fds are torn down.
func spawnDecoder(ctx context.Context, opts spawnOptions) (*decoderProcess, *ImageInfo, error) {
	conn, childFd, err := protocol.Pair()
	if err != nil {
		return nil, nil, fmt.Errorf("ipc socketpair: %w", err)
	}

	cancelR, cancelW, err := os.Pipe()
	if err != nil {
		conn.Close()
		childFd.Close()
		return nil, nil, fmt.Errorf("cancel pipe: %w", err)
	}

	desc := opts.descriptor
	spec := &sandbox.Spec{
		ID:        uuid.NewString(),
		Binary:    desc.Binary,
		MemoryMax: opts.memoryCap,
		PidsLimit: opts.pidsLimit,
	}
	// The decoder loads the base seccomp filter itself; per-loader
	// extensions travel as a command-line flag.
	if len(desc.ExtraSyscalls) > 0 {
		spec.Args = []string{"--extra-syscalls", strings.Join(desc.ExtraSyscalls, ";")}
	}
	for _, src := range desc.ExtraBinds {
		spec.ROBinds = append(spec.ROBinds, sandbox.BindMount{Source: src, Target: src})
	}
	if opts.baseDirPath != "" {
		spec.ROBinds = append(spec.ROBinds, sandbox.BindMount{Source: opts.baseDirPath, Target: opts.baseDirPath})
	}

	ring := newRingBuffer(stderrRingSize)
	proc, err := opts.backend.Spawn(ctx, spec, childFd, ring)
	childFd.Close()
	if err != nil {
		conn.Close()
		cancelR.Close()
		cancelW.Close()
		return nil, nil, err
	}

	p := &decoderProcess{
		id:      spec.ID,
		conn:    conn,
		proc:    proc,
		stderr:  ring,
		cancelW: cancelW,
		logger:  opts.logger,
		grace:   opts.grace,
		waitCh:  make(chan waitStatus, 1),
	}
	go func() {
		code, werr := proc.Wait()
		p.waitCh <- waitStatus{code: code, err: werr}
	}()

	rawInfo, files, err := p.handshake(ctx, opts, cancelR)
	cancelR.Close()
	if err != nil {
		p.teardown()
		return nil, nil, err
	}
	info, err := resolveInfo(rawInfo, files)
	closeFiles(files)
	if err != nil {
		p.teardown()
		return nil, nil, err
	}
	return p, info, nil
}

// handshake sends Init and waits for the reply, racing against the
// deadline and against the child exiting without answering. The
// returned files back any fd-referenced metadata blobs; the caller
// resolves and closes them.
func (p *decoderProcess) handshake(ctx context.Context, opts spawnOptions, cancelR *os.File) (*protocol.ImageInfo, []*os.File, error) {
	fds := []int{int(opts.image.Fd()), int(cancelR.Fd())}
	imageIdx, cancelIdx := 0, 1
	req := &protocol.Request{
		Type:      protocol.RequestInit,
		Version:   protocol.Version,
		MimeType:  opts.mimeType,
		MemoryCap: opts.memoryCap,
		ImageFd:   &imageIdx,
		CancelFd:  &cancelIdx,
	}
	if opts.baseDir != nil {
		idx := len(fds)
		fds = append(fds, int(opts.baseDir.Fd()))
		req.BaseDirFd = &idx
	}
	if err := p.conn.Send(req, fds); err != nil {
		return nil, nil, fmt.Errorf("send init: %w", err)
	}

	type replyResult struct {
		resp  *protocol.Response
		files []*os.File
		err   error
	}
	replyCh := make(chan replyResult, 1)
	go func() {
		var resp protocol.Response
		files, err := p.conn.Recv(&resp)
		replyCh <- replyResult{resp: &resp, files: files, err: err}
	}()

	timer := time.NewTimer(opts.handshake)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil, nil, fmt.Errorf("%w: no init reply within %s", ErrTimeout, opts.handshake)
	case st := <-p.waitCh:
		p.waitCh <- st
		return nil, nil, p.crashError(st)
	case r := <-replyCh:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, nil, p.awaitCrash()
			}
			return nil, nil, &ProtocolError{Violation: ViolationMalformed, Detail: r.err.Error()}
		}
		if r.resp.Type == protocol.ResponseError && r.resp.Error != nil {
			closeFiles(r.files)
			return nil, nil, remoteToErr(r.resp.Error)
		}
		if r.resp.Type != protocol.ResponseInitReply || r.resp.Info == nil {
			closeFiles(r.files)
			return nil, nil, &ProtocolError{
				Violation: ViolationMalformed,
				Detail:    fmt.Sprintf("expected init reply, got %q", r.resp.Type),
			}
		}
		return r.resp.Info, r.files, nil
	}
}

// roundTrip sends one request and blocks for its response. Context
// cancellation fires the cancel pipe so the decoder can abandon the
// work, then still waits for the (error) reply to keep the
// conversation in lockstep.
func (p *decoderProcess) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, []*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrImageClosed
	}

	if err := p.conn.Send(req, nil); err != nil {
		return nil, nil, fmt.Errorf("send %s: %w", req.Type, err)
	}

	type replyResult struct {
		resp  *protocol.Response
		files []*os.File
		err   error
	}
	replyCh := make(chan replyResult, 1)
	go func() {
		var resp protocol.Response
		files, err := p.conn.Recv(&resp)
		replyCh <- replyResult{resp: &resp, files: files, err: err}
	}()

	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				p.fireCancel()
			}
		case st := <-p.waitCh:
			p.waitCh <- st
			return nil, nil, p.crashError(st)
		case r := <-replyCh:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil, nil, p.awaitCrash()
				}
				return nil, nil, &ProtocolError{Violation: ViolationMalformed, Detail: r.err.Error()}
			}
			if cancelled {
				closeFiles(r.files)
				return nil, nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			if r.resp.Type == protocol.ResponseError && r.resp.Error != nil {
				closeFiles(r.files)
				return nil, nil, remoteToErr(r.resp.Error)
			}
			return r.resp, r.files, nil
		}
	}
}

// fireCancel writes the single cancellation byte. The pipe is only
// ever written once per process; later requests after a cancel reuse
// the same conversation, so the decoder drains exactly one byte per
// cancelled request.
func (p *decoderProcess) fireCancel() {
	if p.cancelW == nil {
		return
	}
	if _, err := p.cancelW.Write([]byte{1}); err != nil {
		p.logger.Debug("cancel pipe write failed", "id", p.id, "error", err)
	}
}

func (p *decoderProcess) crashError(st waitStatus) error {
	if st.err != nil {
		return fmt.Errorf("decoder wait: %w", st.err)
	}
	return &CrashError{ExitCode: st.code, Stderr: p.stderr.String()}
}

// awaitCrash is called when the IPC channel hit EOF. The child is
// dead or dying; reap it for the exit code.
func (p *decoderProcess) awaitCrash() error {
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case st := <-p.waitCh:
		p.waitCh <- st
		return p.crashError(st)
	case <-timer.C:
		p.proc.Kill()
		st := <-p.waitCh
		p.waitCh <- st
		return p.crashError(st)
	}
}

// close shuts the conversation down politely: Terminate message, then
// SIGTERM, then SIGKILL after the grace period.
func (p *decoderProcess) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.conn.Send(&protocol.Request{Type: protocol.RequestTerminate, Version: protocol.Version}, nil)
	p.teardown()
	return nil
}

func (p *decoderProcess) teardown() {
	p.conn.Close()
	if p.cancelW != nil {
		p.cancelW.Close()
	}

	if err := p.proc.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("terminate signal failed", "id", p.id, "error", err)
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case st := <-p.waitCh:
		p.waitCh <- st
	case <-timer.C:
		p.proc.Kill()
		st := <-p.waitCh
		p.waitCh <- st
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
