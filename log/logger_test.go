package log

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureAppender keeps written events in memory for assertions.
type captureAppender struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (a *captureAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Write(p)
}

func (a *captureAppender) Refresh() {}

func (a *captureAppender) lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := strings.TrimSpace(a.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func newTestLogger(level Level) (*NetLogger, *captureAppender) {
	logger := NewLogger(&LogCfg{LogLevel: level})
	appender := &captureAppender{}
	logger.AddAppender(appender)
	return logger, appender
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	logger, appender := newTestLogger(TraceLevel)

	logger.Info().
		Str("name", "tcp-server").
		Int("port", 5000).
		Bool("running", true).
		Msg("server started")

	lines := appender.lines()
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	line := lines[0]
	for _, want := range []string{
		`"level":"info"`,
		`"name":"tcp-server"`,
		`"port":5000`,
		`"running":true`,
		`"msg":"server started"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %s: %s", want, line)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, appender := newTestLogger(WarnLevel)

	logger.Trace().Msg("dropped")
	logger.Debug().Msg("dropped")
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept warn")
	logger.Error().Msg("kept error")

	lines := appender.lines()
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "kept warn") || !strings.Contains(lines[1], "kept error") {
		t.Errorf("unexpected output: %v", lines)
	}
}

func TestLoggerFilteredEventIsNilSafe(t *testing.T) {
	logger, appender := newTestLogger(ErrorLevel)

	// A filtered event is a nil *LogEvent; the chain must still be usable.
	logger.Debug().Str("k", "v").Int("n", 1).Err(errors.New("boom")).Msg("dropped")

	if lines := appender.lines(); lines != nil {
		t.Fatalf("expected no output, got %v", lines)
	}
}

func TestLogEventErrAndDur(t *testing.T) {
	logger, appender := newTestLogger(TraceLevel)

	logger.Error().
		Err(errors.New("connection refused")).
		Dur("elapsed", 1500*time.Millisecond).
		Msgf("attempt %d failed", 3)

	lines := appender.lines()
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	for _, want := range []string{
		`"error":"connection refused"`,
		`"elapsed":`,
		`"msg":"attempt 3 failed"`,
	} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line missing %s: %s", want, lines[0])
		}
	}
}

func TestLoggerSetLevelAtRuntime(t *testing.T) {
	logger, appender := newTestLogger(InfoLevel)
	SetDefaultLogger(logger)

	Info().Msg("first")
	SetLevel(ErrorLevel)
	Info().Msg("suppressed")
	Error().Msg("second")

	lines := appender.lines()
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d: %v", len(lines), lines)
	}
}

func TestLogCfgValidate(t *testing.T) {
	cfg := &LogCfg{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero cfg should validate: %v", err)
	}
	if cfg.GetName() != "logger" {
		t.Fatalf("unexpected config name %q", cfg.GetName())
	}
}

func TestLevelUnmarshalText(t *testing.T) {
	var l Level
	if err := l.UnmarshalText([]byte("warn")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if l != WarnLevel {
		t.Fatalf("expected warn, got %v", l)
	}
	if err := l.UnmarshalText([]byte("nonsense")); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
