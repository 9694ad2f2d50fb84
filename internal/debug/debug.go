// Package debug provides gated, structured logging shared by every
// component of the core. Output is off by default; a build flag or the
// DEBUG environment variable turns it on, optionally redirected to a
// timestamped file.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnableDebug is a build flag, overridable via:
//
//	go build -ldflags "-X github.com/standardbeagle/corendex/internal/debug.EnableDebug=true"
var EnableDebug = "false"

var (
	debugOutput io.Writer
	debugFile   *os.File
	debugMutex  sync.Mutex
)

// SetDebugOutput sets a custom writer for debug output. Pass nil to
// disable debug output entirely.
func SetDebugOutput(w io.Writer) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugOutput = w
}

// InitDebugLogFile initializes debug logging to a timestamped file under
// os.TempDir() and returns its path. Call CloseDebugLog when done.
func InitDebugLogFile() (string, error) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	logDir := filepath.Join(os.TempDir(), "corendex-debug-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create debug log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T150405")
	logPath := filepath.Join(logDir, fmt.Sprintf("debug-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create debug log file: %w", err)
	}

	debugFile = file
	debugOutput = file
	return logPath, nil
}

// CloseDebugLog closes the debug log file if one is open.
func CloseDebugLog() error {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugFile != nil {
		err := debugFile.Close()
		debugFile = nil
		debugOutput = nil
		return err
	}
	return nil
}

// IsDebugEnabled reports whether debug logging is active.
func IsDebugEnabled() bool {
	if EnableDebug == "true" {
		return true
	}
	v := os.Getenv("DEBUG")
	return v == "1" || v == "true"
}

func getDebugWriter() io.Writer {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	return debugOutput
}

// Log provides structured debug logging with a component tag.
func Log(component, format string, args ...interface{}) {
	if !IsDebugEnabled() {
		return
	}
	w := getDebugWriter()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG:%s] "+format+"\n", append([]interface{}{component}, args...)...)
}

// LogMerge logs merge-state-machine transitions (§4.1).
func LogMerge(format string, args ...interface{}) { Log("MERGE", format, args...) }

// LogPyramid logs pyramid scheduler decisions (§4.2).
func LogPyramid(format string, args ...interface{}) { Log("PYRAMID", format, args...) }

// LogFreemap logs freemap allocation/free/grow activity (§4.3).
func LogFreemap(format string, args ...interface{}) { Log("FREEMAP", format, args...) }

// LogPostings logs postings-accumulator dump activity (§4.4).
func LogPostings(format string, args ...interface{}) { Log("POSTINGS", format, args...) }

// LogIndex logs façade-level build/open/close activity.
func LogIndex(format string, args ...interface{}) { Log("INDEX", format, args...) }

// Fatal formats a catastrophic-error message, logs it, and returns it as
// an error. It never calls os.Exit — callers decide how to react.
func Fatal(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if w := getDebugWriter(); w != nil {
		fmt.Fprintf(w, "[FATAL] %s\n", msg)
	}
	return fmt.Errorf("fatal error: %s", msg)
}
