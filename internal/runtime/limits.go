//go:build linux

package runtime

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// applySelfLimits caps the decoder's own address space and disables
// core dumps. The namespace trampoline already sets both before exec;
// under flatpak-spawn or unconfined runs this call is the only
// enforcement.
func applySelfLimits(memoryMax uint64, logger *slog.Logger) {
	if memoryMax != 0 {
		lim := &unix.Rlimit{Cur: memoryMax, Max: memoryMax}
		if err := unix.Setrlimit(unix.RLIMIT_AS, lim); err != nil {
			logger.Warn("address space rlimit failed", "error", err)
		}
	}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{}); err != nil {
		logger.Warn("core rlimit failed", "error", err)
	}
}
