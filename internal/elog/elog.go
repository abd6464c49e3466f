// Package elog provides the logging seam shared by every ergot package.
//
// The teacher package (sarchlab/akita/v4/sim) logs exclusively through the
// standard log package (log.Panic, log.Printf) and wraps it for hooks with
// LogHookBase. Ergot keeps that: no third-party logging library is pulled
// in for the core stack, since it must run unmodified on constrained
// single-core targets.
package elog

import (
	"log"
	"os"
)

// Logger is the logging interface every ergot subsystem accepts. It is
// satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Default is used wherever a caller does not inject a Logger.
var Default Logger = log.New(os.Stderr, "ergot: ", log.LstdFlags|log.Lmicroseconds)

// HookBase mirrors sim.LogHookBase: an embeddable *log.Logger holder for
// Hook implementations that record information about a running node.
type HookBase struct {
	Logger
}
