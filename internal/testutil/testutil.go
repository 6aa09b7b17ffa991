// Package testutil holds helpers shared by the host and decoder test
// suites.
package testutil

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p-arndt/bildkasten/internal/config"
	"github.com/p-arndt/bildkasten/internal/loaderconf"
)

// Config returns host settings suitable for unprivileged tests.
func Config() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxDisabled,
		Limits: config.Limits{
			PidsLimit:          16,
			HandshakeTimeoutMs: 5000,
			TeardownGraceMs:    1000,
		},
	}
}

// Registry writes a loader descriptor under a temp XDG data dir and
// discovers it.
func Registry(t *testing.T, binary string, mimeTypes ...string) *loaderconf.Registry {
	t.Helper()
	dataDir := t.TempDir()
	loaderDir := filepath.Join(dataDir, "bildkasten", "loaders")
	require.NoError(t, os.MkdirAll(loaderDir, 0o755))

	desc := "binary=" + binary + "\nmime_types=" + strings.Join(mimeTypes, ";") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(loaderDir, "test.conf"), []byte(desc), 0o644))

	registry, err := loaderconf.Discover([]string{dataDir}, nil)
	require.NoError(t, err)
	return registry
}

// Logger discards all output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WritePNG encodes a deterministic NRGBA image to a temp file and
// returns its path alongside the source pixels.
func WritePNG(t *testing.T, width, height int) (string, *image.NRGBA) {
	t.Helper()
	src := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 3)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path, src
}
