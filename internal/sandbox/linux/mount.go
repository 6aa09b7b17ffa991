//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

func MountTmpfs(target string, sizeBytes int64) error {
	opts := fmt.Sprintf("size=%d,mode=0755", sizeBytes)
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("mount tmpfs %s: %w", target, err)
	}
	return nil
}

func MountProc(target string) error {
	if err := unix.Mount("proc", target, "proc", 0, ""); err != nil {
		return fmt.Errorf("mount proc %s: %w", target, err)
	}
	return nil
}

func MakePrivate(mountPoint string) error {
	if err := unix.Mount("", mountPoint, "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make private %s: %w", mountPoint, err)
	}
	return nil
}

func PivotRoot(newRoot, putOld string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir %s: %w", newRoot, err)
	}
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	return nil
}

func UmountDetach(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}

// BindRO bind-mounts src read-only at dst inside the new root. The
// read-only flag requires a second remount; a bind alone ignores
// MS_RDONLY.
func BindRO(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	flags := unix.MS_BIND | unix.MS_REC | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NODEV
	if err := unix.Mount("", dst, "", uintptr(flags), ""); err != nil {
		return fmt.Errorf("remount read-only %s: %w", dst, err)
	}
	return nil
}

// BindDirRO mounts a host directory read-only at the same relative
// path under root, preserving a directory-level symlink by recreating
// the link and mounting its target instead (one level deep, as for a
// usrmerge /lib -> usr/lib).
func BindDirRO(root, hostPath string) error {
	fi, err := os.Lstat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lstat %s: %w", hostPath, err)
	}

	dst := filepath.Join(root, hostPath)
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(hostPath)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", hostPath, err)
		}
		if err := MkdirAll(filepath.Dir(dst)); err != nil {
			return err
		}
		if err := os.Symlink(target, dst); err != nil && !os.IsExist(err) {
			return fmt.Errorf("symlink %s: %w", dst, err)
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(hostPath), target)
		}
		return BindDirRO(root, resolved)
	}

	if !fi.IsDir() {
		return BindFileRO(root, hostPath)
	}
	if err := MkdirAll(dst); err != nil {
		return err
	}
	// Already mounted (symlink target shared by several sources).
	if m, err := os.ReadDir(dst); err == nil && len(m) > 0 {
		return nil
	}
	return BindRO(hostPath, dst)
}

// BindFileRO mounts a single host file read-only at the same relative
// path under root. A missing host file is skipped.
func BindFileRO(root, hostPath string) error {
	if _, err := os.Stat(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", hostPath, err)
	}
	dst := filepath.Join(root, hostPath)
	if err := MkdirAll(filepath.Dir(dst)); err != nil {
		return err
	}
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.WriteFile(dst, nil, 0644); err != nil {
			return fmt.Errorf("create mount point %s: %w", dst, err)
		}
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", dst, err)
	}
	return BindRO(hostPath, dst)
}

// SetupDev binds the three device nodes decoders are allowed to see
// from the host. No mknod: the user namespace cannot create device
// nodes, and binding keeps the host's semantics.
func SetupDev(root string) error {
	devDir := filepath.Join(root, "dev")
	if err := MkdirAll(devDir); err != nil {
		return err
	}
	for _, node := range []string{"/dev/null", "/dev/zero", "/dev/urandom"} {
		dst := filepath.Join(root, node)
		if err := os.WriteFile(dst, nil, 0666); err != nil {
			return fmt.Errorf("create mount point %s: %w", dst, err)
		}
		if err := unix.Mount(node, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind %s: %w", node, err)
		}
	}
	return nil
}

// systemPaths are mounted read-only into every sandbox: the dynamic
// loader, system libraries and the fontconfig caches SVG-style
// decoders read.
var systemPaths = []string{
	"/usr",
	"/lib",
	"/lib64",
	"/lib32",
	"/etc/ld.so.cache",
	"/etc/fonts",
	"/var/cache/fontconfig",
	"/usr/lib/fontconfig/cache",
}

// SetupRoot builds the sandbox filesystem under root: system paths,
// the decoder binary's directory, per-loader extra binds, devices and
// a fresh /proc mount point.
func SetupRoot(root, decoderDir string, extraBinds []string) error {
	for _, p := range systemPaths {
		if err := BindDirRO(root, p); err != nil {
			return err
		}
	}
	if err := BindDirRO(root, decoderDir); err != nil {
		return err
	}
	for _, p := range extraBinds {
		if err := BindDirRO(root, p); err != nil {
			return err
		}
	}
	if err := SetupDev(root); err != nil {
		return err
	}
	if err := MkdirAll(filepath.Join(root, "proc")); err != nil {
		return err
	}
	if err := MkdirAll(filepath.Join(root, "tmp")); err != nil {
		return err
	}
	return MountTmpfs(filepath.Join(root, "tmp"), 64*1024*1024)
}
