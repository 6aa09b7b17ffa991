//go:build linux

package linux

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/p-arndt/bildkasten/internal/sandbox"
)

// UnconfinedBackend runs the decoder without containment. Only ever
// selected explicitly; the environment is still scrubbed and the
// decoder still loads its seccomp filter and rlimit on its own.
type UnconfinedBackend struct {
	logger *slog.Logger
}

func NewUnconfinedBackend(logger *slog.Logger) *UnconfinedBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnconfinedBackend{logger: logger}
}

func (b *UnconfinedBackend) Kind() sandbox.Kind { return sandbox.KindUnconfined }

func (b *UnconfinedBackend) Check() error { return nil }

func (b *UnconfinedBackend) Spawn(ctx context.Context, spec *sandbox.Spec, ipc *os.File, stderr io.Writer) (sandbox.Process, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = []string{
		"LANG=C.UTF-8",
		"PATH=/usr/bin",
	}
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{ipc}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setsid:    true,
	}
	if err := cmd.Start(); err != nil {
		return nil, &sandbox.SpawnError{Stage: "exec", Err: err}
	}
	b.logger.Warn("decoder running without sandbox", "id", spec.ID, "pid", cmd.Process.Pid)
	return &process{cmd: cmd}, nil
}

// NewBackend maps a resolved kind to its implementation.
func NewBackend(kind sandbox.Kind, logger *slog.Logger) sandbox.Backend {
	switch kind {
	case sandbox.KindFlatpakSpawn:
		return NewFlatpakBackend(logger)
	case sandbox.KindUnconfined:
		return NewUnconfinedBackend(logger)
	default:
		return NewNamespaceBackend(logger)
	}
}
