//go:build linux

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// maxFdsPerMessage bounds the descriptor payload of one message.
// Init carries at most three, replies at most a handful of blobs.
const maxFdsPerMessage = 8

var (
	// ErrMessageTooLarge is returned for messages exceeding
	// MaxMessageBytes in either direction.
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrTooManyFds is returned when a message carries more
	// descriptors than maxFdsPerMessage.
	ErrTooManyFds = errors.New("protocol: too many file descriptors")
)

// Conn is one end of the host↔decoder channel: a connected seqpacket
// socket carrying JSON messages with optional SCM_RIGHTS descriptor
// payloads. Seqpacket preserves message boundaries, so one recvmsg
// returns exactly one message with its descriptors attached.
type Conn struct {
	wmu sync.Mutex
	rmu sync.Mutex
	f   *os.File
}

// NewConn wraps an already-connected seqpacket socket, typically the
// descriptor a decoder inherited at exec.
func NewConn(f *os.File) *Conn { return &Conn{f: f} }

// Pair creates a connected socket pair. The host keeps the Conn; the
// child file is passed to the decoder at spawn.
func Pair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	host := os.NewFile(uintptr(fds[0]), "ipc-host")
	child := os.NewFile(uintptr(fds[1]), "ipc-decoder")
	return NewConn(host), child, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.f.Close() }

// Send marshals v and transmits it together with the given descriptor
// payload. The fds slice order defines the indices messages refer to.
func (c *Conn) Send(v any, fds []int) error {
	if len(fds) > maxFdsPerMessage {
		return fmt.Errorf("%w: %d", ErrTooManyFds, len(fds))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := unix.Sendmsg(int(c.f.Fd()), data, oob, nil, 0); err != nil {
		return fmt.Errorf("sendmsg: %w", err)
	}
	return nil
}

// Recv receives one message into v and returns the descriptor payload
// as files in transmission order. Received descriptors are marked
// close-on-exec. A closed peer yields io.EOF.
func (c *Conn) Recv(v any) ([]*os.File, error) {
	buf := make([]byte, MaxMessageBytes)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerMessage*4))

	c.rmu.Lock()
	n, oobn, flags, _, err := unix.Recvmsg(int(c.f.Fd()), buf, oob, 0)
	c.rmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n == 0 && oobn == 0 {
		return nil, io.EOF
	}
	if flags&unix.MSG_TRUNC != 0 {
		return nil, fmt.Errorf("%w: payload truncated", ErrMessageTooLarge)
	}

	files, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeAll(files)
		return nil, fmt.Errorf("%w: control data truncated", ErrTooManyFds)
	}
	if err := json.Unmarshal(buf[:n], v); err != nil {
		closeAll(files)
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var files []*os.File
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("parse unix rights: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ipc-fd-"+strconv.Itoa(fd)))
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// FdAt resolves a message fd index against the received payload.
func FdAt(files []*os.File, idx *int) (*os.File, error) {
	if idx == nil {
		return nil, nil
	}
	if *idx < 0 || *idx >= len(files) {
		return nil, fmt.Errorf("protocol: fd index %d out of range (%d received)", *idx, len(files))
	}
	return files[*idx], nil
}
