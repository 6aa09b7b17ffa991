//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

const cgroupRoot = "/sys/fs/cgroup/bildkasten"

func CgroupPath(id string) string {
	return filepath.Join(cgroupRoot, id)
}

// CreateCgroup makes a v2 cgroup for one decoder with memory and pid
// limits applied.
func CreateCgroup(id string, memoryMax uint64, pidsLimit int) (string, error) {
	if err := DetectCgroupV2(); err != nil {
		return "", err
	}
	cgPath := CgroupPath(id)
	if err := os.MkdirAll(cgPath, 0755); err != nil {
		return "", fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	if memoryMax > 0 {
		if err := os.WriteFile(filepath.Join(cgPath, "memory.max"),
			[]byte(strconv.FormatUint(memoryMax, 10)), 0644); err != nil {
			os.RemoveAll(cgPath)
			return "", fmt.Errorf("set memory.max: %w", err)
		}
	}
	if pidsLimit > 0 {
		if err := os.WriteFile(filepath.Join(cgPath, "pids.max"),
			[]byte(strconv.Itoa(pidsLimit)), 0644); err != nil {
			os.RemoveAll(cgPath)
			return "", fmt.Errorf("set pids.max: %w", err)
		}
	}
	return cgPath, nil
}

func AttachToCgroup(cgPath string, pid int) error {
	procsPath := filepath.Join(cgPath, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("attach pid %d to cgroup: %w", pid, err)
	}
	return nil
}

func RemoveCgroup(id string) error {
	if err := os.Remove(CgroupPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %w", CgroupPath(id), err)
	}
	return nil
}

func DetectCgroupV2() error {
	var stat unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &stat); err != nil {
		return fmt.Errorf("stat /sys/fs/cgroup: %w", err)
	}
	if stat.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("cgroup v2 not mounted at /sys/fs/cgroup")
	}
	return nil
}
