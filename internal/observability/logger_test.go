package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestStdLoggerRendersFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Info("heartbeat", F("terminal", "t-1"), F("status", "RUNNING"))

	got := strings.TrimSpace(buf.String())
	want := "INFO heartbeat terminal=t-1 status=RUNNING"
	if got != want {
		t.Fatalf("logged %q, want %q", got, want)
	}
}

func TestStdLoggerSuppressesDebugByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Debug("noisy")
	if buf.Len() != 0 {
		t.Fatalf("debug output should be suppressed, got %q", buf.String())
	}

	verbose := NewStdLogger(log.New(&buf, "", 0), true)
	verbose.Debug("noisy")
	if !strings.Contains(buf.String(), "DEBUG noisy") {
		t.Fatalf("debug output missing, got %q", buf.String())
	}
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewStdLogger(log.New(&buf, "", 0), false))
	t.Cleanup(func() { SetLogger(nil) })

	Log().Info("visible")
	if buf.Len() == 0 {
		t.Fatalf("expected output from installed logger")
	}

	SetLogger(nil)
	buf.Reset()
	Log().Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("noop logger should discard output")
	}
}
