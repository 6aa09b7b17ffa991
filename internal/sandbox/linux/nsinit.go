//go:build linux

package linux

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// The namespace backend re-executes the host binary with these
// variables set. The re-executed copy runs inside the fresh namespaces
// and finishes the sandbox construction the parent cannot do from
// outside, then execs the decoder.
const (
	EnvNsinit = "BILDKASTEN_NSINIT"
	EnvConfig = "BILDKASTEN_NSINIT_CONFIG"
)

// NsinitConfig crosses from the spawning parent to the in-namespace
// trampoline as JSON in the environment.
type NsinitConfig struct {
	ID         string   `json:"id"`
	Root       string   `json:"root"`
	Binary     string   `json:"binary"`
	Args       []string `json:"args,omitempty"`
	ExtraBinds []string `json:"extra_binds,omitempty"`
	MemoryMax  uint64   `json:"memory_max,omitempty"`
	PidsLimit  int      `json:"pids_limit,omitempty"`
}

// IsNsinit reports whether this process is the in-namespace trampoline.
// Checked first thing in main before any host-side initialization.
func IsNsinit() bool {
	return os.Getenv(EnvNsinit) == "1"
}

// RunNsinit performs the in-namespace half of sandbox construction and
// never returns on success.
func RunNsinit() error {
	cfgJSON := os.Getenv(EnvConfig)
	if cfgJSON == "" {
		return fmt.Errorf("missing %s", EnvConfig)
	}
	var cfg NsinitConfig
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return fmt.Errorf("parse nsinit config: %w", err)
	}
	return nsinitMain(cfg)
}

func nsinitMain(cfg NsinitConfig) error {
	hostname := "bk-sandbox"
	if len(cfg.ID) >= 8 {
		hostname = "bk-" + cfg.ID[:8]
	}
	if err := unix.Sethostname([]byte(hostname)); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}

	if err := MakePrivate("/"); err != nil {
		return err
	}
	if err := MountTmpfs(cfg.Root, 16*1024*1024); err != nil {
		return err
	}
	if err := SetupRoot(cfg.Root, filepath.Dir(cfg.Binary), cfg.ExtraBinds); err != nil {
		return err
	}

	oldRoot := filepath.Join(cfg.Root, ".oldroot")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir .oldroot: %w", err)
	}
	if err := PivotRoot(cfg.Root, oldRoot); err != nil {
		return err
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := UmountDetach("/.oldroot"); err != nil {
		return err
	}
	_ = os.Remove("/.oldroot")

	if err := MountProc("/proc"); err != nil {
		return err
	}

	if err := applyRlimits(cfg.MemoryMax, cfg.PidsLimit); err != nil {
		return err
	}
	if err := dropCapabilities(); err != nil {
		return err
	}

	argv := append([]string{cfg.Binary}, cfg.Args...)
	env := []string{
		"LANG=C.UTF-8",
		"PATH=/usr/bin",
	}
	return unix.Exec(cfg.Binary, argv, env)
}

func applyRlimits(memoryMax uint64, pidsLimit int) error {
	if memoryMax > 0 {
		lim := &unix.Rlimit{Cur: memoryMax, Max: memoryMax}
		if err := unix.Setrlimit(unix.RLIMIT_AS, lim); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
		}
	}
	if pidsLimit > 0 {
		lim := &unix.Rlimit{Cur: uint64(pidsLimit), Max: uint64(pidsLimit)}
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, lim); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_NPROC: %w", err)
		}
	}
	core := &unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, core); err != nil {
		return fmt.Errorf("setrlimit RLIMIT_CORE: %w", err)
	}
	return nil
}

func dropCapabilities() error {
	caps := []uintptr{
		unix.CAP_NET_RAW,
		unix.CAP_NET_BIND_SERVICE,
		unix.CAP_SYS_ADMIN,
		unix.CAP_SYS_PTRACE,
		unix.CAP_SYS_MODULE,
		unix.CAP_SYS_RAWIO,
		unix.CAP_SYS_TIME,
		unix.CAP_SYSLOG,
		unix.CAP_SYS_CHROOT,
		unix.CAP_SYS_BOOT,
		unix.CAP_KILL,
		unix.CAP_DAC_OVERRIDE,
		unix.CAP_DAC_READ_SEARCH,
		unix.CAP_FOWNER,
		unix.CAP_FSETID,
		unix.CAP_SETGID,
		unix.CAP_SETUID,
		unix.CAP_SETPCAP,
		unix.CAP_LINUX_IMMUTABLE,
		unix.CAP_NET_BROADCAST,
		unix.CAP_IPC_LOCK,
		unix.CAP_IPC_OWNER,
		unix.CAP_SYS_PACCT,
		unix.CAP_MKNOD,
	}
	for _, c := range caps {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, c, 0, 0, 0); err != nil && err != unix.EINVAL {
			return fmt.Errorf("drop capability %d: %w", c, err)
		}
	}
	return nil
}
