package logx

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"
)

// withDebugEnabled flips the package-level debug gate for the duration of a
// test and restores the previous value on cleanup.
func withDebugEnabled(t *testing.T, enabled bool) {
	t.Helper()
	debugMutex.Lock()
	prev := debugEnabled
	debugEnabled = enabled
	debugMutex.Unlock()

	t.Cleanup(func() {
		debugMutex.Lock()
		debugEnabled = prev
		debugMutex.Unlock()
	})
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("builder")

	if logger.GetAgentID() != "builder" {
		t.Errorf("Expected agent ID 'builder', got '%s'", logger.GetAgentID())
	}

	if logger.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestLogFormat(t *testing.T) {
	// Capture log output
	var buf bytes.Buffer
	logger := NewLogger("planner")
	logger.logger = log.New(&buf, "", 0)

	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	// Check for required components
	if !strings.Contains(output, "[planner]") {
		t.Errorf("Expected agent ID in output, got: %s", output)
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
	withDebugEnabled(t, true)

	var buf bytes.Buffer
	logger := NewLogger("reviewer")
	logger.logger = log.New(&buf, "", 0)

	tests := []struct {
		level    Level
		logFunc  func(string, ...any)
		expected string
	}{
		{LevelDebug, logger.Debug, "DEBUG"},
		{LevelInfo, logger.Info, "INFO"},
		{LevelWarn, logger.Warn, "WARN"},
		{LevelError, logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf.Reset()
			tt.logFunc("test message")

			output := buf.String()
			if !strings.Contains(output, tt.expected) {
				t.Errorf("Expected level '%s' in output, got: %s", tt.expected, output)
			}
		})
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	withDebugEnabled(t, false)

	var buf bytes.Buffer
	logger := NewLogger("communicator")
	logger.logger = log.New(&buf, "", 0)

	logger.Debug("should not appear")

	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got: %s", buf.String())
	}
}

func TestWithAgentID(t *testing.T) {
	originalLogger := NewLogger("builder")
	newLogger := originalLogger.WithAgentID("builder-2")

	if newLogger.GetAgentID() != "builder-2" {
		t.Errorf("Expected new agent ID 'builder-2', got '%s'", newLogger.GetAgentID())
	}

	if originalLogger.GetAgentID() != "builder" {
		t.Errorf("Expected original agent ID unchanged, got '%s'", originalLogger.GetAgentID())
	}

	// Both should share the same underlying logger
	if newLogger.logger != originalLogger.logger {
		t.Error("Expected loggers to share the same underlying log.Logger")
	}
}

func TestLogFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("planner")
	logger.logger = log.New(&buf, "", 0)

	logger.Info("Processing todo %d with priority %s", 123, "high")

	output := buf.String()

	if !strings.Contains(output, "Processing todo 123 with priority high") {
		t.Errorf("Expected formatted message, got: %s", output)
	}
}

func TestMultipleAgents(t *testing.T) {
	var buf bytes.Buffer

	planner := NewLogger("planner")
	planner.logger = log.New(&buf, "", 0)

	builder := NewLogger("builder")
	builder.logger = log.New(&buf, "", 0)

	planner.Info("Creating todo")
	builder.Info("Executing todo")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")

	if len(lines) != 2 {
		t.Errorf("Expected 2 log lines, got %d", len(lines))
	}

	if !strings.Contains(lines[0], "[planner]") {
		t.Errorf("Expected first line to contain [planner], got: %s", lines[0])
	}

	if !strings.Contains(lines[1], "[builder]") {
		t.Errorf("Expected second line to contain [builder], got: %s", lines[1])
	}
}

func TestLogLevelConstants(t *testing.T) {
	expectedLevels := map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
	}

	for level, expected := range expectedLevels {
		if string(level) != expected {
			t.Errorf("Expected level constant %s to equal '%s', got '%s'",
				expected, expected, string(level))
		}
	}
}

func TestTimestampFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("scheduler")
	logger.logger = log.New(&buf, "", 0)

	logger.Info("timestamp test")

	output := buf.String()

	// Extract timestamp (should be between first [ and ])
	start := strings.Index(output, "[")
	end := strings.Index(output, "]")

	if start == -1 || end == -1 || end <= start {
		t.Fatalf("Could not find timestamp in output: %s", output)
	}

	timestamp := output[start+1 : end]

	// Try to parse the timestamp
	_, err := time.Parse("2006-01-02T15:04:05.000Z", timestamp)
	if err != nil {
		t.Errorf("Invalid timestamp format '%s': %v", timestamp, err)
	}
}
