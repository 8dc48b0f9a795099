//go:build linux
// +build linux

package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// journaldWriter implements io.Writer for journald logging
type journaldWriter struct{}

func (w *journaldWriter) Write(p []byte) (n int, err error) {
	// Remove trailing newline if present (journald adds its own)
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}

	err = journal.Send(msg, priorityFor(msg), map[string]string{
		"SYSLOG_IDENTIFIER": Name,
	})
	if err != nil {
		// If journald write fails, fall back to stderr
		return fmt.Fprintf(os.Stderr, "%s", p)
	}
	return len(p), nil
}

// priorityFor maps the "Warning:" and "Error" message conventions to syslog levels
func priorityFor(msg string) journal.Priority {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		return journal.PriErr
	case strings.Contains(lower, "warning"):
		return journal.PriWarning
	default:
		return journal.PriInfo
	}
}

var logWriter io.Writer = os.Stderr

// GetLogWriter returns the current log writer (for use by other packages)
func GetLogWriter() io.Writer {
	return logWriter
}

// SetupLogging configures the logging system based on the journald flag
func SetupLogging(withJournald bool) {
	if withJournald {
		// Check if journald is available
		if !journal.Enabled() {
			log.Println("Warning: Journald not available on this system; using standard logging")
			return
		}

		// Set up journald writer
		writer := &journaldWriter{}
		logWriter = writer
		log.SetOutput(writer)
		log.SetFlags(0) // journald adds its own timestamps
		log.Println("Logging initialized with journald support")
	}
	// If withJournald is false, use default logging (stdout/stderr)
}
