// Package signals handles process-level shutdown and crash reporting for
// akeydod: SIGINT/SIGQUIT/SIGTERM trigger an orderly stop, while a panic or
// a fatal signal is turned into a backtrace before the process exits.
package signals

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

var signalLog = logrus.WithField("component", "signals")

// CrashOnError causes a coredump to be produced when a fatal signal or
// unrecovered panic occurs, instead of a plain os.Exit.
var CrashOnError = false

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	signalLog = logger
}

// ShutdownFunc performs the daemon's orderly shutdown: stopping every
// plugin and closing the D-Bus connection.
type ShutdownFunc func(ctx context.Context)

// shutdownSignals are the signals that should trigger ShutdownFunc rather
// than an immediate crash.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM}

// WatchForShutdown installs a handler for SIGINT/SIGQUIT/SIGTERM that runs
// shutdown once and then lets the second matching signal terminate the
// process immediately, in case shutdown itself hangs.
func WatchForShutdown(ctx context.Context, shutdown ShutdownFunc) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, shutdownSignals...)

	go func() {
		sig := <-ch
		signalLog.WithField("signal", sig).Info("received shutdown signal")
		go shutdown(ctx)

		sig = <-ch
		signalLog.WithField("signal", sig).Warn("received second shutdown signal, exiting immediately")
		os.Exit(1)
	}()
}

// HandlePanic writes a message to the logger and then calls Die. Intended
// to be deferred at the top of every long-lived goroutine (the D-Bus
// dispatch loop, each replicator device's run loop) so a single panic
// doesn't silently kill one goroutine while leaving the daemon in an
// inconsistent half-running state.
func HandlePanic() {
	if r := recover(); r != nil {
		signalLog.WithField("panic", fmt.Sprintf("%v", r)).Error("fatal error")
		Die()
	}
}

// Backtrace writes a multi-line backtrace to the logger.
func Backtrace() {
	buf := &bytes.Buffer{}
	for _, p := range pprof.Profiles() {
		pprof.Lookup(p.Name()).WriteTo(buf, 2)
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		signalLog.Error(line)
	}
}

// FatalSignal returns true if sig should cause the program to abort.
func FatalSignal(sig syscall.Signal) bool {
	fatal, exists := handledSignalsMap[sig]
	return exists && fatal
}

// NonFatalSignal returns true if sig should cause a Backtrace but leave
// the program running.
func NonFatalSignal(sig syscall.Signal) bool {
	fatal, exists := handledSignalsMap[sig]
	return exists && !fatal
}

// HandledSignals returns every signal the package recognizes.
func HandledSignals() []syscall.Signal {
	sigs := make([]syscall.Signal, 0, len(handledSignalsMap))
	for sig := range handledSignalsMap {
		sigs = append(sigs, sig)
	}
	return sigs
}

// Die produces a backtrace and terminates the process, optionally via a
// self-delivered SIGABRT so a supervisor can collect a coredump.
func Die() {
	Backtrace()
	if CrashOnError {
		signal.Reset(syscall.SIGABRT)
		syscall.Kill(0, syscall.SIGABRT)
	}
	os.Exit(1)
}
