//go:build linux

package seccompfilter

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Apply compiles the allow-set to a BPF program and loads it for the
// calling process. Syscalls outside the set trap to SIGSYS. NO_NEW_PRIVS
// is set first; loading an unprivileged filter requires it, and it must
// never be skipped.
//
// The caller must have installed its SIGSYS handler before calling
// Apply, otherwise the first trapped syscall kills the process without
// a diagnostic.
func Apply(s Set) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	filter, err := seccomp.NewFilter(seccomp.ActTrap)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, name := range s.Names() {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Not every allowed syscall exists on every kernel or
			// architecture (e.g. clone3 on older kernels).
			continue
		}
		if err := filter.AddRule(sc, seccomp.ActAllow); err != nil {
			return fmt.Errorf("allow syscall %q: %w", name, err)
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

// SyscallName resolves a syscall number to its name for SIGSYS
// diagnostics, falling back to the raw number.
func SyscallName(nr int) string {
	name, err := seccomp.ScmpSyscall(nr).GetName()
	if err != nil {
		return fmt.Sprintf("syscall-%d", nr)
	}
	return name
}
