// Package loaderconf discovers and parses loader descriptor files. A
// descriptor declares one decoder binary, the MIME types it serves,
// and the extra sandbox capabilities it needs.
package loaderconf

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// loadersSubdir is where descriptors live under each XDG data dir.
const loadersSubdir = "bildkasten/loaders"

var (
	// ErrNoLoader is returned when no descriptor claims a MIME type.
	ErrNoLoader = errors.New("no loader configured")

	// ErrInvalidDescriptor is returned for descriptor files missing
	// required keys or carrying malformed values.
	ErrInvalidDescriptor = errors.New("invalid loader descriptor")
)

// Descriptor is one decoder binary's configuration.
type Descriptor struct {
	// Name is the descriptor file's base name without extension.
	Name string
	// Binary is the absolute path of the decoder executable.
	Binary string
	// MimeTypes lists the MIME types the binary decodes.
	MimeTypes []string
	// ExtraSyscalls are unioned into the seccomp base allow-set.
	ExtraSyscalls []string
	// ExtraBinds are additional read-only bind mounts the decoder
	// needs (codec data files, for example).
	ExtraBinds []string
	// ExposeBaseDir mounts the image's parent directory read-only into
	// the sandbox. Needed by formats that reference sibling files.
	ExposeBaseDir bool
}

// Registry maps MIME types to descriptors. Immutable after Discover.
type Registry struct {
	byMime map[string]*Descriptor
}

// Lookup returns the descriptor for a MIME type.
func (r *Registry) Lookup(mime string) (*Descriptor, error) {
	d, ok := r.byMime[mime]
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrNoLoader, mime)
	}
	return d, nil
}

// MimeTypes returns all MIME types with a configured loader, sorted.
func (r *Registry) MimeTypes() []string {
	out := make([]string, 0, len(r.byMime))
	for m := range r.byMime {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Discover reads loader descriptors from <dir>/bildkasten/loaders/ for
// each data dir, in order. A MIME claim in a later dir overrides an
// earlier one; overrides and conflicts are logged, never fatal.
func Discover(dataDirs []string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{byMime: make(map[string]*Descriptor)}
	for _, dir := range dataDirs {
		loaderDir := filepath.Join(dir, loadersSubdir)
		entries, err := os.ReadDir(loaderDir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read loader dir %s: %w", loaderDir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
				continue
			}
			path := filepath.Join(loaderDir, e.Name())
			d, err := ParseFile(path)
			if err != nil {
				logger.Warn("skipping loader descriptor", "path", path, "error", err)
				continue
			}
			for _, mime := range d.MimeTypes {
				if prev, ok := reg.byMime[mime]; ok && prev.Binary != d.Binary {
					logger.Info("loader override",
						"mime", mime, "previous", prev.Binary, "binary", d.Binary)
				}
				reg.byMime[mime] = d
			}
		}
	}
	return reg, nil
}

// XDGDataDirs returns the data dir search path: XDG_DATA_HOME (or
// ~/.local/share) followed by XDG_DATA_DIRS (or the basedir default).
func XDGDataDirs() []string {
	var dirs []string
	home := os.Getenv("XDG_DATA_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".local", "share")
		}
	}
	if home != "" {
		dirs = append(dirs, home)
	}
	system := os.Getenv("XDG_DATA_DIRS")
	if system == "" {
		system = "/usr/local/share:/usr/share"
	}
	for _, d := range strings.Split(system, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// ParseFile reads one descriptor file.
func ParseFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := &Descriptor{Name: strings.TrimSuffix(filepath.Base(path), ".conf")}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %s:%d: missing '='", ErrInvalidDescriptor, path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "binary":
			d.Binary = value
		case "mime_types":
			d.MimeTypes = splitList(value)
		case "extra_syscalls":
			d.ExtraSyscalls = splitList(value)
		case "extra_binds":
			d.ExtraBinds = splitList(value)
		case "expose_base_dir":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s:%d: expose_base_dir: %v",
					ErrInvalidDescriptor, path, lineNo, err)
			}
			d.ExposeBaseDir = b
		default:
			// Unknown keys are tolerated so older hosts can read
			// newer descriptors.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if d.Binary == "" {
		return nil, fmt.Errorf("%w: %s: binary is required", ErrInvalidDescriptor, path)
	}
	if len(d.MimeTypes) == 0 {
		return nil, fmt.Errorf("%w: %s: mime_types is required", ErrInvalidDescriptor, path)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ";") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
