package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotating log file name created under the configured directory.
const LogFileName = "shellgate.log"

// File sink state. When fileSink is nil all output goes to stderr; once
// InitializeLogFile succeeds, lines go to the rotating file and, if tee was
// requested, to stderr as well.
//
//nolint:gochecknoglobals // Process-wide log routing, guarded by sinkMu.
var (
	fileSink *lumberjack.Logger
	teeMode  bool
	sinkMu   sync.RWMutex
)

// InitializeLogFile sets up rotating file logging under dir. maxBackups bounds
// how many rotated files are retained. When tee is true, lines are written to
// both the file and stderr; otherwise file only. Must be called before any
// logging that should be captured.
func InitializeLogFile(dir string, maxBackups int, tee bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	sinkMu.Lock()
	defer sinkMu.Unlock()

	fileSink = &lumberjack.Logger{
		Filename:   filepath.Join(dir, LogFileName),
		MaxSize:    10, // megabytes per file before rotation
		MaxBackups: maxBackups,
		MaxAge:     28, // days
		Compress:   true,
	}
	teeMode = tee
	return nil
}

// CloseLogFile flushes and closes the rotating file sink. Subsequent log lines
// fall back to stderr.
func CloseLogFile() error {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// writeToSinks routes a formatted line to the active destinations.
func writeToSinks(line string) {
	sinkMu.RLock()
	sink := fileSink
	tee := teeMode
	sinkMu.RUnlock()

	if sink == nil {
		_, _ = os.Stderr.WriteString(line)
		return
	}
	_, _ = sink.Write([]byte(line))
	if tee {
		_, _ = os.Stderr.WriteString(line)
	}
}
