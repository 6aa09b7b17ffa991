//go:build linux

// Package orchestrator is the host side of bildkasten: it picks a
// loader for an image, reserves memory, spawns the decoder in a
// sandbox and exposes the decoded frames over a validated, fd-passing
// protocol.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/p-arndt/bildkasten/internal/config"
	"github.com/p-arndt/bildkasten/internal/loaderconf"
	"github.com/p-arndt/bildkasten/internal/membudget"
	"github.com/p-arndt/bildkasten/internal/sandbox"
	"github.com/p-arndt/bildkasten/internal/sandbox/linux"
)

// Orchestrator loads images through sandboxed decoder processes. Safe
// for concurrent use; each Load runs its own decoder.
type Orchestrator struct {
	cfg      *config.Config
	registry *loaderconf.Registry
	budget   *membudget.Budget
	backend  sandbox.Backend
	logger   *slog.Logger
}

// Options configures New. Zero fields fall back to config.Load(""),
// XDG loader discovery, the shared budget and the backend selected by
// the config's sandbox policy.
type Options struct {
	Config   *config.Config
	Registry *loaderconf.Registry
	Budget   *membudget.Budget
	Backend  sandbox.Backend
	Logger   *slog.Logger
}

func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := opts.Registry
	if registry == nil {
		dirs := cfg.DataDirs
		if len(dirs) == 0 {
			dirs = loaderconf.XDGDataDirs()
		}
		var err error
		registry, err = loaderconf.Discover(dirs, logger)
		if err != nil {
			return nil, err
		}
	}

	budget := opts.Budget
	if budget == nil {
		budget = membudget.Default()
	}

	backend := opts.Backend
	if backend == nil {
		kind, err := sandbox.SelectKind(cfg.Sandbox)
		if err != nil {
			return nil, err
		}
		backend = linux.NewBackend(kind, logger)
	}

	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		budget:   budget,
		backend:  backend,
		logger:   logger,
	}, nil
}

// MimeTypes returns the MIME types a loader is configured for.
func (o *Orchestrator) MimeTypes() []string { return o.registry.MimeTypes() }

// LoadRequest describes one image to open.
type LoadRequest struct {
	Path string
	// MimeType skips content sniffing when set.
	MimeType string
	// MemoryLimit caps this decoder below the budget grant. Zero
	// falls back to the configured limit.
	MemoryLimit uint64
}

// Load opens the image and completes the decoder handshake. The
// returned Image owns the decoder process and the memory reservation;
// callers must Close it.
func (o *Orchestrator) Load(ctx context.Context, req LoadRequest) (*Image, error) {
	if o.cfg.SkipsExtension(req.Path) {
		return nil, fmt.Errorf("%w: extension of %q is skipped", ErrUnknownFormat, filepath.Base(req.Path))
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return nil, err
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType, err = sniffMime(f, req.Path)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	desc, err := o.registry.Lookup(mimeType)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w for %q", ErrNoLoaderConfigured, mimeType)
	}

	requestLimit := req.MemoryLimit
	if requestLimit == 0 {
		requestLimit = o.cfg.MemoryMaxBytes()
	}
	grant, err := o.budget.CapFor(requestLimit)
	if err != nil {
		f.Close()
		return nil, err
	}
	reservation, err := o.budget.Reserve(grant, requestLimit)
	if err != nil {
		f.Close()
		return nil, err
	}

	var baseDir *os.File
	var baseDirPath string
	if desc.ExposeBaseDir {
		baseDirPath = filepath.Dir(req.Path)
		baseDir, err = os.Open(baseDirPath)
		if err != nil {
			reservation.Release()
			f.Close()
			return nil, fmt.Errorf("open base dir: %w", err)
		}
	}

	proc, info, err := spawnDecoder(ctx, spawnOptions{
		backend:     o.backend,
		descriptor:  desc,
		image:       f,
		baseDir:     baseDir,
		baseDirPath: baseDirPath,
		mimeType:    mimeType,
		memoryCap:   grant,
		pidsLimit:   o.cfg.Limits.PidsLimit,
		handshake:   o.cfg.HandshakeTimeout(),
		grace:       o.cfg.TeardownGrace(),
		logger:      o.logger,
	})
	if baseDir != nil {
		baseDir.Close()
	}
	if err != nil {
		reservation.Release()
		f.Close()
		return nil, err
	}

	o.logger.Debug("decoder ready",
		"id", proc.id, "loader", desc.Name, "mime", mimeType,
		"cap", grant, "width", info.Width, "height", info.Height)

	return &Image{
		proc:        proc,
		info:        info,
		reservation: reservation,
		source:      f,
	}, nil
}

// tiff magic, little and big endian. Not covered by the stdlib
// sniffer.
var (
	tiffLE = []byte{'I', 'I', 0x2a, 0x00}
	tiffBE = []byte{'M', 'M', 0x00, 0x2a}
)

// sniffMime determines the image MIME type from content, falling back
// to the file extension for container formats sniffing cannot tell
// apart.
func sniffMime(f *os.File, path string) (string, error) {
	buf := make([]byte, 512)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read header: %w", err)
	}
	buf = buf[:n]

	if bytes.HasPrefix(buf, tiffLE) || bytes.HasPrefix(buf, tiffBE) {
		return "image/tiff", nil
	}
	detected := http.DetectContentType(buf)
	if strings.HasPrefix(detected, "image/") {
		return detected, nil
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(byExt, "image/") {
		return byExt, nil
	}
	return "", fmt.Errorf("%w: content not recognized as an image", ErrUnknownFormat)
}
