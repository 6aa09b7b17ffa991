//go:build linux

// Command bildkasten is the host-side CLI: it loads images through
// sandboxed decoder processes and prints metadata or writes pixel and
// edit output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/p-arndt/bildkasten/internal/config"
	"github.com/p-arndt/bildkasten/internal/orchestrator"
	"github.com/p-arndt/bildkasten/internal/sandbox/linux"
	"github.com/p-arndt/bildkasten/protocol"
)

func main() {
	// The namespace backend re-executes this binary as the in-namespace
	// trampoline. That path must run before any host setup.
	if linux.IsNsinit() {
		if err := linux.RunNsinit(); err != nil {
			fmt.Fprintf(os.Stderr, "nsinit: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfgPath := flag.String("config", "", "path to bildkasten.yaml")
	sandboxSel := flag.String("sandbox", "", "sandbox backend: auto, bwrap, flatpak-spawn or not-sandboxed")
	mimeType := flag.String("mime", "", "skip content sniffing and use this MIME type")
	memoryLimit := flag.String("memory-limit", "", "per-decoder memory cap, e.g. 512MiB")
	timeout := flag.Duration("timeout", 0, "abort the whole operation after this duration")
	out := flag.String("out", "", "output file (default stdout)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if *sandboxSel != "" {
		cfg.Sandbox = *sandboxSel
	}

	var limit uint64
	if *memoryLimit != "" {
		n, err := units.RAMInBytes(*memoryLimit)
		if err != nil {
			logger.Error("parse memory limit", "error", err)
			os.Exit(1)
		}
		limit = uint64(n)
	}

	o, err := orchestrator.New(orchestrator.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("orchestrator setup", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cli := &cli{o: o, logger: logger, mime: *mimeType, limit: limit, out: *out}

	switch args[0] {
	case "mime-types":
		for _, m := range o.MimeTypes() {
			fmt.Println(m)
		}
	case "info":
		err = cli.info(ctx, args[1:])
	case "decode":
		err = cli.decode(ctx, args[1:])
	case "edit":
		err = cli.edit(ctx, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error(args[0]+" failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bildkasten [flags] <command>

commands:
  mime-types                 list MIME types a loader is configured for
  info <file>                print image metadata
  decode <file>              decode the first frame and write raw pixels
  edit <file> <op>...        apply edits and write the re-encoded image
                             ops: rotate90 rotate180 rotate270
                                  flip-horizontal flip-vertical
                                  crop=x,y,width,height
`)
	flag.PrintDefaults()
}

type cli struct {
	o      *orchestrator.Orchestrator
	logger *slog.Logger
	mime   string
	limit  uint64
	out    string
}

func (c *cli) load(ctx context.Context, path string) (*orchestrator.Image, error) {
	return c.o.Load(ctx, orchestrator.LoadRequest{
		Path:        path,
		MimeType:    c.mime,
		MemoryLimit: c.limit,
	})
}

func (c *cli) info(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("info takes exactly one file")
	}
	img, err := c.load(ctx, args[0])
	if err != nil {
		return err
	}
	defer img.Close()

	info := img.Info()
	fmt.Printf("format: %s\n", info.FormatName)
	fmt.Printf("size:   %dx%d\n", info.Width, info.Height)
	if info.FrameCount != nil {
		fmt.Printf("frames: %d\n", *info.FrameCount)
	}
	if info.DimensionsText != "" {
		fmt.Printf("dimensions: %s\n", info.DimensionsText)
	}
	if len(info.Exif) > 0 {
		fmt.Printf("exif:   %d bytes\n", len(info.Exif))
	}
	if len(info.Xmp) > 0 {
		fmt.Printf("xmp:    %d bytes\n", len(info.Xmp))
	}
	for k, v := range info.KeyValue {
		fmt.Printf("%s: %s\n", k, v)
	}
	return nil
}

func (c *cli) decode(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("decode takes exactly one file")
	}
	img, err := c.load(ctx, args[0])
	if err != nil {
		return err
	}
	defer img.Close()

	frame, err := img.NextFrame(ctx)
	if err != nil {
		return err
	}
	defer frame.Close()

	c.logger.Info("frame decoded",
		"width", frame.Width, "height", frame.Height,
		"stride", frame.Stride,
		"format", frame.Format.String(),
		"delay", frame.Delay)
	return c.write(frame.Data())
}

func (c *cli) edit(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("edit takes a file and at least one operation")
	}
	ops, err := parseOps(args[1:])
	if err != nil {
		return err
	}
	img, err := c.load(ctx, args[0])
	if err != nil {
		return err
	}
	defer img.Close()

	data, err := img.Edit(ctx, ops)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *cli) write(data []byte) error {
	if c.out == "" || c.out == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.out, data, 0o644)
}

func parseOps(args []string) ([]protocol.EditOp, error) {
	ops := make([]protocol.EditOp, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "rotate90":
			ops = append(ops, protocol.EditOp{Kind: protocol.EditRotate90})
		case "rotate180":
			ops = append(ops, protocol.EditOp{Kind: protocol.EditRotate180})
		case "rotate270":
			ops = append(ops, protocol.EditOp{Kind: protocol.EditRotate270})
		case "flip-horizontal":
			ops = append(ops, protocol.EditOp{Kind: protocol.EditFlipH})
		case "flip-vertical":
			ops = append(ops, protocol.EditOp{Kind: protocol.EditFlipV})
		default:
			spec, ok := strings.CutPrefix(arg, "crop=")
			if !ok {
				return nil, fmt.Errorf("unknown edit operation %q", arg)
			}
			op, err := parseCrop(spec)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func parseCrop(spec string) (protocol.EditOp, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 4 {
		return protocol.EditOp{}, fmt.Errorf("crop wants x,y,width,height, got %q", spec)
	}
	vals := make([]uint32, 4)
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return protocol.EditOp{}, fmt.Errorf("crop value %q: %w", p, err)
		}
		vals[i] = uint32(v)
	}
	return protocol.EditOp{
		Kind:   protocol.EditCrop,
		X:      vals[0],
		Y:      vals[1],
		Width:  vals[2],
		Height: vals[3],
	}, nil
}
