//go:build linux

package linux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/p-arndt/bildkasten/internal/sandbox"
)

// NamespaceBackend confines decoders with unprivileged user
// namespaces: empty tmpfs root, read-only system binds, no network,
// fresh /proc, scrubbed environment.
type NamespaceBackend struct {
	logger *slog.Logger
}

func NewNamespaceBackend(logger *slog.Logger) *NamespaceBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &NamespaceBackend{logger: logger}
}

func (b *NamespaceBackend) Kind() sandbox.Kind { return sandbox.KindNamespace }

// Check probes whether unprivileged user namespaces are usable.
func (b *NamespaceBackend) Check() error {
	return CheckUserNamespaces()
}

func (b *NamespaceBackend) Spawn(ctx context.Context, spec *sandbox.Spec, ipc *os.File, stderr io.Writer) (sandbox.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.Check(); err != nil {
		return nil, &sandbox.SpawnError{Stage: "precheck", Err: err}
	}

	root, err := os.MkdirTemp("", "bildkasten-root-*")
	if err != nil {
		return nil, &sandbox.SpawnError{Stage: "staging dir", Err: err}
	}

	cfg := NsinitConfig{
		ID:        spec.ID,
		Root:      root,
		Binary:    spec.Binary,
		MemoryMax: spec.MemoryMax,
		PidsLimit: spec.PidsLimit,
	}
	cfg.Args = append(cfg.Args, spec.Args...)
	for _, m := range spec.ROBinds {
		cfg.ExtraBinds = append(cfg.ExtraBinds, m.Source)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		os.Remove(root)
		return nil, &sandbox.SpawnError{Stage: "marshal config", Err: err}
	}

	self, err := os.Executable()
	if err != nil {
		os.Remove(root)
		return nil, &sandbox.SpawnError{Stage: "resolve executable", Err: err}
	}

	cmd := exec.Command(self)
	cmd.Env = []string{
		EnvNsinit + "=1",
		EnvConfig + "=" + string(cfgJSON),
	}
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{ipc}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNET |
			syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWIPC,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
		Pdeathsig:                  syscall.SIGKILL,
		Setsid:                     true,
	}

	if err := cmd.Start(); err != nil {
		os.Remove(root)
		return nil, &sandbox.SpawnError{Stage: "clone", Err: err}
	}

	// The address-space rlimit inside the namespace is the enforced
	// cap. The cgroup adds RSS-level accounting when the host lets us
	// create one; on hosts where it doesn't, the cap still holds.
	cgPath, err := CreateCgroup(spec.ID, spec.MemoryMax, spec.PidsLimit)
	if err != nil {
		b.logger.Warn("cgroup unavailable, relying on rlimit", "id", spec.ID, "error", err)
		cgPath = ""
	} else if err := AttachToCgroup(cgPath, cmd.Process.Pid); err != nil {
		b.logger.Warn("cgroup attach failed, relying on rlimit", "id", spec.ID, "error", err)
		RemoveCgroup(spec.ID)
		cgPath = ""
	}

	return &process{
		cmd: cmd,
		cleanup: func() {
			if cgPath != "" {
				RemoveCgroup(spec.ID)
			}
			os.Remove(root)
		},
	}, nil
}

// process wraps a started child and its teardown.
type process struct {
	cmd     *exec.Cmd
	cleanup func()
	done    bool
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) Signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *process) Kill() error {
	err := p.cmd.Process.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait reaps the child and reports its exit code, with death by signal
// N mapped to 128+N.
func (p *process) Wait() (int, error) {
	err := p.cmd.Wait()
	if !p.done {
		p.done = true
		if p.cleanup != nil {
			p.cleanup()
		}
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal()), nil
			}
			return status.ExitStatus(), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait: %w", err)
}
