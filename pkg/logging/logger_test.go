package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInitLoggerJSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	base := InitLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	log := NewComponentLogger(base, "endpoint")
	log.Debug("endpoint_started", "interval_ms", 100)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if rec["component"] != "endpoint" {
		t.Fatalf("expected component endpoint, got %v", rec["component"])
	}
	if rec["msg"] != "endpoint_started" {
		t.Fatalf("expected msg endpoint_started, got %v", rec["msg"])
	}
}

func TestInitLoggerInvalidLevelWarns(t *testing.T) {
	var buf bytes.Buffer
	log := InitLogger(LogConfig{Level: "loud", Output: &buf})
	if !strings.Contains(buf.String(), "invalid log level") {
		t.Fatalf("expected warning for invalid level, got %q", buf.String())
	}
	buf.Reset()
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered at INFO, got %q", buf.String())
	}
}

func TestFanoutWritesToEveryHandler(t *testing.T) {
	var a, b bytes.Buffer
	log := InitLogger(LogConfig{Output: &a})
	h := fanout{log.Handler(), InitLogger(LogConfig{Format: "json", Output: &b}).Handler()}
	NewComponentLogger(slog.New(h), "hub").Info("hub_connected")
	if !strings.Contains(a.String(), "hub_connected") || !strings.Contains(b.String(), "hub_connected") {
		t.Fatalf("expected record in both handlers, got %q and %q", a.String(), b.String())
	}
}
