// Package seccompfilter builds the syscall allow-list a decoder loads
// before touching untrusted data. Everything not on the list traps to
// SIGSYS.
package seccompfilter

import (
	"encoding/json"
	"fmt"
	"sort"
)

// baseAllow is the allow-set every decoder gets. It covers memory
// management, I/O on already-open descriptors, the IPC socket, memfd
// creation and sealing, signal handling, the Go runtime's scheduler
// needs, and the fontconfig lookups SVG-style loaders perform.
var baseAllow = []string{
	// memory
	"mmap", "mprotect", "munmap", "mremap", "brk", "madvise", "membarrier",
	// descriptor I/O
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"close", "fstat", "lseek", "dup", "dup3", "ftruncate", "fallocate",
	// IPC channel and memfd transfer
	"sendmsg", "recvmsg", "memfd_create", "fcntl",
	// readiness
	"poll", "ppoll", "epoll_create1", "epoll_ctl", "epoll_pwait", "eventfd2",
	// signals
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"tgkill", "gettid", "getpid",
	// time and entropy
	"clock_gettime", "clock_nanosleep", "nanosleep", "getrandom",
	// scheduling / threads
	"futex", "clone", "clone3", "sched_yield", "sched_getaffinity",
	"set_robust_list", "rseq", "prctl", "setrlimit", "prlimit64",
	// process exit
	"exit", "exit_group",
	// path lookups needed by fontconfig
	"open", "openat", "stat", "newfstatat", "statx", "getdents64",
	"readlink", "readlinkat", "faccessat", "faccessat2", "mkdir", "mkdirat",
}

// Set is a sorted, de-duplicated collection of syscall names.
type Set struct {
	names []string
}

// NewSet builds a set from the given names.
func NewSet(names ...string) Set {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return Set{names: out}
}

// Base returns the default allow-set.
func Base() Set { return NewSet(baseAllow...) }

// Union returns the set extended by the given syscall names.
func (s Set) Union(extra []string) Set {
	return NewSet(append(append([]string{}, s.names...), extra...)...)
}

// Names returns the syscall names in sorted order.
func (s Set) Names() []string {
	return append([]string{}, s.names...)
}

// Len returns the number of syscalls in the set.
func (s Set) Len() int { return len(s.names) }

// Contains reports whether the set allows the named syscall.
func (s Set) Contains(name string) bool {
	i := sort.SearchStrings(s.names, name)
	return i < len(s.names) && s.names[i] == name
}

// Manifest is the audit record of what a decoder spawn was allowed to
// call. Published so per-loader extensions are reviewable.
type Manifest struct {
	DefaultAction string   `json:"default_action"`
	Loader        string   `json:"loader,omitempty"`
	Base          []string `json:"base"`
	Extensions    []string `json:"extensions,omitempty"`
}

// BuildManifest records the base set and the loader's extensions.
func BuildManifest(loader string, extensions []string) Manifest {
	ext := NewSet(extensions...)
	return Manifest{
		DefaultAction: "trap",
		Loader:        loader,
		Base:          Base().Names(),
		Extensions:    ext.Names(),
	}
}

// Encode renders the manifest as indented JSON.
func (m Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode seccomp manifest: %w", err)
	}
	return data, nil
}

// Allowed returns the effective allow-set the manifest describes.
func (m Manifest) Allowed() Set {
	return NewSet(m.Base...).Union(m.Extensions)
}
