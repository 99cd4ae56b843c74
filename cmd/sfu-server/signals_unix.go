//go:build !windows

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"syscall"

	"github.com/meshcall/sfu/server"
)

func notifySignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals:")
	fmt.Fprintln(w, "  SIGHUP: restart (drops every call)")
	fmt.Fprintln(w, "  SIGUSR1: soft reset (close all channels, keep listeners)")
	fmt.Fprintln(w, "  SIGUSR2: log per-channel stats")
}

// handleSignal returns true if the signal was handled and the server should
// keep running.
func handleSignal(sig os.Signal, logger *log.Logger, sup *server.Supervisor) bool {
	switch sig {
	case syscall.SIGHUP:
		restart(logger, sup)
		return true
	case syscall.SIGUSR1:
		softReset(logger, sup)
		return true
	case syscall.SIGUSR2:
		dumpStats(logger, sup)
		return true
	default:
		return false
	}
}
