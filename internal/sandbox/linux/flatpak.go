//go:build linux

package linux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/p-arndt/bildkasten/internal/sandbox"
)

const flatpakSpawnBinary = "flatpak-spawn"

// FlatpakBackend delegates sandbox construction to the container the
// host itself runs in, via the flatpak-spawn portal. The portal
// applies filesystem and network containment; the memory cap is
// enforced by the decoder's own rlimit since the portal offers no
// resource knob.
type FlatpakBackend struct {
	logger *slog.Logger
}

func NewFlatpakBackend(logger *slog.Logger) *FlatpakBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlatpakBackend{logger: logger}
}

func (b *FlatpakBackend) Kind() sandbox.Kind { return sandbox.KindFlatpakSpawn }

func (b *FlatpakBackend) Check() error {
	if !sandbox.InsideFlatpak() {
		return fmt.Errorf("%w: host is not inside a flatpak container", sandbox.ErrUnavailable)
	}
	if _, err := exec.LookPath(flatpakSpawnBinary); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}
	return nil
}

func (b *FlatpakBackend) Spawn(ctx context.Context, spec *sandbox.Spec, ipc *os.File, stderr io.Writer) (sandbox.Process, error) {
	if err := b.Check(); err != nil {
		return nil, &sandbox.SpawnError{Stage: "precheck", Err: err}
	}

	args := []string{
		"--sandbox",
		"--no-network",
		"--watch-bus",
		"--forward-fd=3",
		"--env=LANG=C.UTF-8",
		"--env=PATH=/usr/bin",
	}
	for _, m := range spec.ROBinds {
		args = append(args, "--sandbox-expose-path-ro="+m.Source)
	}
	args = append(args, spec.Binary)
	args = append(args, spec.Args...)

	cmd := exec.Command(flatpakSpawnBinary, args...)
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{ipc}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setsid:    true,
	}

	if err := cmd.Start(); err != nil {
		return nil, &sandbox.SpawnError{Stage: "flatpak-spawn", Err: err}
	}
	b.logger.Debug("decoder delegated to portal", "id", spec.ID, "pid", cmd.Process.Pid)
	return &process{cmd: cmd}, nil
}
