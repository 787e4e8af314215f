package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventFirstReply,
		Time: time.Now(),
		Tags: map[string]string{
			"session_id": "session-1",
			"turn_id":    "turn-1",
		},
		Fields: map[string]any{
			"transcript": "mail me at jane@example.com",
			"audio_b64":  "AAAA",
		},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventStateChange, Time: time.Now()})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "session-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	line := string(b)
	if !strings.Contains(line, `"event":"first_reply"`) {
		t.Fatalf("expected first_reply event in file, got %s", line)
	}
	if strings.Contains(line, "jane@example.com") || strings.Contains(line, "AAAA") {
		t.Fatalf("expected transcript redacted and audio dropped, got %s", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected untagged event to be skipped, got %s", line)
	}
}

func TestPurgeArtifactsOnlyOldTimelines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	keep := filepath.Join(dir, "notes.txt")
	fresh := filepath.Join(dir, "fresh.jsonl")
	for _, p := range []string{old, keep, fresh} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-72 * time.Hour)
	_ = os.Chtimes(old, past, past)
	_ = os.Chtimes(keep, past, past)

	removed, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("expected non-timeline file to survive: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh timeline to survive: %v", err)
	}
}

func TestRetentionPolicyKeepsNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	names := []string{"a.jsonl", "b.jsonl", "c.jsonl", "d.jsonl"}
	for i, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		at := base.Add(time.Duration(i) * time.Minute)
		_ = os.Chtimes(p, at, at)
	}

	removed, err := RetentionPolicy{MaxFiles: 2}.Purge(dir, time.Now())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for _, name := range []string{"c.jsonl", "d.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to survive: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "a.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest timeline removed, got %v", err)
	}
}

func TestRetentionPolicyDisabled(t *testing.T) {
	if n, err := (RetentionPolicy{}).Purge(t.TempDir(), time.Now()); n != 0 || err != nil {
		t.Fatalf("expected no-op, got %d %v", n, err)
	}
}

func TestTimelineObserverOffsetsAndReconnect(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	start := time.Now()
	tags := map[string]string{"session_id": "s/2", "transport": "direct"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventConnection, Time: start, Value: 1, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventConnection, Time: start.Add(250 * time.Millisecond), Value: 0, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventConnection, Time: start.Add(time.Second), Value: 1, Tags: tags})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := obs.Err(); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "s_2.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines across reconnect, got %d: %s", len(lines), b)
	}
	if !strings.Contains(lines[1], `"offset_ms":250`) || !strings.Contains(lines[2], `"offset_ms":1000`) {
		t.Fatalf("expected offsets from session start, got %s", b)
	}
	if !strings.Contains(lines[2], `"seq":3`) {
		t.Fatalf("expected sequence numbers, got %s", lines[2])
	}
	if strings.Contains(lines[0], `"session_id"`) || !strings.Contains(lines[0], `"transport":"direct"`) {
		t.Fatalf("expected session id lifted out of tags, got %s", lines[0])
	}
}
