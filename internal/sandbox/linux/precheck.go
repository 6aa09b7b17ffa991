//go:build linux

package linux

import (
	"fmt"
	"os"
	"strings"

	"github.com/p-arndt/bildkasten/internal/sandbox"
)

// CheckUserNamespaces verifies that this host lets unprivileged
// processes create user namespaces. Distributions gate this behind
// different sysctls, so every known knob is consulted.
func CheckUserNamespaces() error {
	if v, err := readSysctl("/proc/sys/kernel/unprivileged_userns_clone"); err == nil && v == "0" {
		return fmt.Errorf("%w: kernel.unprivileged_userns_clone=0", sandbox.ErrUnavailable)
	}
	if v, err := readSysctl("/proc/sys/user/max_user_namespaces"); err == nil && v == "0" {
		return fmt.Errorf("%w: user.max_user_namespaces=0", sandbox.ErrUnavailable)
	}
	if v, err := readSysctl("/proc/sys/kernel/userns_restrict"); err == nil && v == "1" {
		return fmt.Errorf("%w: kernel.userns_restrict=1", sandbox.ErrUnavailable)
	}
	return nil
}

func readSysctl(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
