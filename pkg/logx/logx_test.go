package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestLogger sets up a logger with a bytes.Buffer for testing.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	logWriterLock.Lock()
	logWriter = &buf
	logWriterLock.Unlock()
	return &buf
}

// resetTestLogger resets the logger to default stderr.
func resetTestLogger() {
	logWriterLock.Lock()
	logWriter = nil
	logWriterLock.Unlock()
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("sshpool")

	if logger.Name() != "sshpool" {
		t.Errorf("Expected name 'sshpool', got '%s'", logger.Name())
	}
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("security")
	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, "[security]") {
		t.Errorf("Expected component name in output, got: %s", output)
	}

	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}

	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}

	// Check timestamp format (basic check)
	if !strings.Contains(output, "T") || !strings.Contains(output, "Z") {
		t.Errorf("Expected ISO timestamp in output, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("gate")
	logger.Info("info line")
	logger.Warn("warn line")
	logger.Error("error line")

	output := buf.String()
	for _, want := range []string{"INFO: info line", "WARN: warn line", "ERROR: error line"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

func TestDebugGating(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	defer SetDebug(false, nil)

	logger := NewLogger("exec")

	SetDebug(false, nil)
	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("Debug output emitted while disabled: %s", buf.String())
	}

	SetDebug(true, nil)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG: visible") {
		t.Errorf("Expected debug output while enabled, got: %s", buf.String())
	}
}

func TestDebugDomainFilter(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	defer SetDebug(false, nil)

	SetDebug(true, []string{"sshpool"})

	NewLogger("exec").Debug("exec detail")
	NewLogger("sshpool").Debug("pool detail")

	output := buf.String()
	if strings.Contains(output, "exec detail") {
		t.Errorf("Debug output emitted for filtered-out domain: %s", output)
	}
	if !strings.Contains(output, "pool detail") {
		t.Errorf("Expected debug output for enabled domain, got: %s", output)
	}
}

func TestWithName(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	base := NewLogger("sshpool")
	child := base.WithName("ssh:build-1")
	child.Info("connected")

	if !strings.Contains(buf.String(), "[ssh:build-1]") {
		t.Errorf("Expected derived name in output, got: %s", buf.String())
	}
}

func TestWrap(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := os.ErrNotExist
	wrapped := Wrap(base, "policy load")
	if wrapped == nil {
		t.Fatal("Wrap returned nil for non-nil error")
	}
	if !strings.Contains(wrapped.Error(), "policy load") {
		t.Errorf("Expected wrap context in error, got: %v", wrapped)
	}
	if !strings.Contains(buf.String(), "policy load") {
		t.Errorf("Expected wrap context to be logged, got: %s", buf.String())
	}
}

func TestInitializeLogFile(t *testing.T) {
	dir := t.TempDir()

	if err := InitializeLogFile(filepath.Join(dir, "logs"), 2, false); err != nil {
		t.Fatalf("InitializeLogFile failed: %v", err)
	}
	defer func() {
		if err := CloseLogFile(); err != nil {
			t.Errorf("CloseLogFile failed: %v", err)
		}
	}()

	NewLogger("cmd").Info("file sink line")

	data, err := os.ReadFile(filepath.Join(dir, "logs", LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file sink line") {
		t.Errorf("Expected line in log file, got: %s", string(data))
	}
}
