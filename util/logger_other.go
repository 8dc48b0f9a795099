//go:build !linux
// +build !linux

package util

import (
	"io"
	"log"
	"os"
)

var logWriter io.Writer = os.Stderr

// GetLogWriter returns the writer gin and the log package share
func GetLogWriter() io.Writer {
	return logWriter
}

// SetupLogging keeps standard logging; journald only exists on Linux
func SetupLogging(withJournald bool) {
	if withJournald {
		log.Printf("Warning: %s cannot log to journald on this operating system, using stderr", Name)
	}
}
