//go:build linux

// Command decoder is the sandboxed image decoder. The host spawns it
// with the IPC socket on fd 3; it loads its seccomp filter before
// reading any image data and then serves the wire protocol.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/p-arndt/bildkasten/internal/runtime"
	"github.com/p-arndt/bildkasten/internal/seccompfilter"
	"github.com/p-arndt/bildkasten/protocol"
)

// ipcFd is where the host places the protocol socket.
const ipcFd = 3

func main() {
	extraSyscalls := flag.String("extra-syscalls", "",
		"semicolon-separated syscall names added to the allow-list")
	noSeccomp := flag.Bool("no-seccomp", false,
		"skip loading the seccomp filter (debugging only)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// The filter traps to SIGSYS. Install the handler before Load so
	// a violation is reported on stderr instead of dying silently.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGSYS)
	go func() {
		<-sigCh
		logger.Error("seccomp violation, aborting")
		os.Exit(128 + int(syscall.SIGSYS))
	}()

	if !*noSeccomp {
		set := seccompfilter.Base()
		if *extraSyscalls != "" {
			set = set.Union(strings.Split(*extraSyscalls, ";"))
		}
		if err := seccompfilter.Apply(set); err != nil {
			logger.Error("load seccomp filter", "error", err)
			os.Exit(2)
		}
	}

	conn := protocol.NewConn(os.NewFile(ipcFd, "ipc"))
	defer conn.Close()

	if err := runtime.NewServer(conn, logger).Run(); err != nil {
		logger.Error("decoder failed", "error", err)
		os.Exit(1)
	}
}
