package logging

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New()
	logger.SetLevel(level)
	logger.SetOutput(log.New(&buf, "", 0))
	return logger, &buf
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		minLevel  Level
		logLevel  Level
		shouldLog bool
	}{
		{"debug allowed at debug", LevelDebug, LevelDebug, true},
		{"error allowed at debug", LevelDebug, LevelError, true},
		{"debug blocked at info", LevelInfo, LevelDebug, false},
		{"info allowed at info", LevelInfo, LevelInfo, true},
		{"info blocked at warn", LevelWarn, LevelInfo, false},
		{"warn allowed at warn", LevelWarn, LevelWarn, true},
		{"warn blocked at error", LevelError, LevelWarn, false},
		{"error allowed at error", LevelError, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger(tt.minLevel)

			switch tt.logLevel {
			case LevelDebug:
				logger.Debug("test message")
			case LevelInfo:
				logger.Info("test message")
			case LevelWarn:
				logger.Warn("test message")
			case LevelError:
				logger.Error("test message")
			}

			if tt.shouldLog {
				assert.Contains(t, buf.String(), "test message")
			} else {
				assert.Empty(t, buf.String())
			}
			assert.Equal(t, tt.shouldLog, logger.Enabled(tt.logLevel))
		})
	}
}

func TestLoggerWith(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.With("job_id", "job-123").Warn("poll failed")

	output := buf.String()
	assert.Contains(t, output, "WARN: poll failed")
	assert.Contains(t, output, "job_id=job-123")
}

func TestLoggerFieldsAreSorted(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.WithFields(map[string]interface{}{"phase": "1m", "attempt": 2}).
		Info("phase started", "job_id", "job-1")

	assert.Equal(t, "INFO: phase started | attempt=2 job_id=job-1 phase=1m\n", buf.String())
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarn)
	child := logger.With("component", "tracker")

	child.Info("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(LevelInfo)
	child.Info("visible")
	assert.Contains(t, buf.String(), "component=tracker")
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "plain", formatValue("plain"))
	assert.Equal(t, `"two words"`, formatValue("two words"))
	assert.Equal(t, `""`, formatValue(""))
	assert.Equal(t, `"boom"`, formatValue(errors.New("boom")))
	assert.Equal(t, "<nil>", formatValue(nil))
	assert.Equal(t, "42", formatValue(42))
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"":      LevelWarn,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.SetLevel(LevelDebug)
	logger.Error("dropped")
	assert.True(t, strings.HasPrefix(LevelError.String(), "ERR"))
}
