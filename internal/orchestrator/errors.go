package orchestrator

import (
	"errors"
	"fmt"

	"github.com/p-arndt/bildkasten/protocol"
)

// Sentinel errors for the conditions callers branch on.
var (
	ErrUnknownFormat      = errors.New("unknown image format")
	ErrNoLoaderConfigured = errors.New("no loader configured")
	ErrCancelled          = errors.New("load cancelled")
	ErrTimeout            = errors.New("decoder timed out")
	ErrImageClosed        = errors.New("image already closed")
)

// ProtocolViolation classifies host-detected protocol breaches.
type ProtocolViolation string

const (
	ViolationVersionMismatch ProtocolViolation = "version_mismatch"
	ViolationMalformed       ProtocolViolation = "malformed"
	ViolationUnsealedMemfd   ProtocolViolation = "unsealed_memfd"
)

// ProtocolError reports that the decoder broke the wire contract. The
// conversation is unrecoverable afterwards and the child is torn down.
type ProtocolError struct {
	Violation ProtocolViolation
	Detail    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (%s): %s", e.Violation, e.Detail)
}

// CrashError reports a decoder that exited without answering. Stderr
// is the tail captured by the ring buffer.
type CrashError struct {
	ExitCode int
	Stderr   string
}

func (e *CrashError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("decoder crashed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("decoder crashed with exit code %d: %s", e.ExitCode, e.Stderr)
}

// DecoderError wraps an error the decoder reported over the protocol.
type DecoderError struct {
	Remote *protocol.RemoteErr
}

func (e *DecoderError) Error() string {
	return "decoder reported: " + e.Remote.Error()
}

// remoteToErr maps a protocol-level error report to the host taxonomy.
func remoteToErr(remote *protocol.RemoteErr) error {
	switch remote.Kind {
	case protocol.ErrKindCancelled:
		return fmt.Errorf("%w: %s", ErrCancelled, remote.Message)
	case protocol.ErrKindVersionMismatch:
		return &ProtocolError{Violation: ViolationVersionMismatch, Detail: remote.Message}
	case protocol.ErrKindUnsupported:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, remote.Message)
	default:
		return &DecoderError{Remote: remote}
	}
}
