package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/providers/mock"
)

func fastConfig() Config {
	return Config{
		ChunkInterval:    10 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		SilenceTimeout:   60 * time.Millisecond,
		MaxDuration:      400 * time.Millisecond,
		MinUtteranceSize: 3000,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestDetectorEmitsUtteranceAfterSilence(t *testing.T) {
	rec := mock.NewRecorder(mock.RecorderConfig{})
	obs := metrics.NewMemoryObserver()
	d := New(rec, fastConfig(), WithObserver(obs))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.FeedSizes(1200, 1300, 1250)

	select {
	case utt := <-d.Utterances():
		if utt.Size() != 3750 || utt.Chunks != 3 {
			t.Fatalf("expected 3 chunks / 3750 bytes, got %d / %d", utt.Chunks, utt.Size())
		}
		if utt.Reason != EndSilence {
			t.Fatalf("expected silence reason, got %s", utt.Reason)
		}
		if utt.ID == "" {
			t.Fatalf("expected utterance id")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected utterance")
	}
	if d.Capturing() {
		t.Fatalf("expected capture to stop after emitting")
	}
	if rec.Active() {
		t.Fatalf("expected microphone stream to be released")
	}
	if got := obs.Count(metrics.EventUtteranceDiscarded); got != 0 {
		t.Fatalf("expected no discard for accepted speech, got %d", got)
	}
}

func TestDetectorStartIsReentrant(t *testing.T) {
	rec := mock.NewRecorder(mock.RecorderConfig{})
	d := New(rec, fastConfig())
	defer d.Stop()
	for i := 0; i < 3; i++ {
		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if rec.Starts() != 1 {
		t.Fatalf("expected one microphone stream, got %d", rec.Starts())
	}
}

func TestDetectorDiscardsNoiseAndRestarts(t *testing.T) {
	rec := mock.NewRecorder(mock.RecorderConfig{Script: []int{200, 150, 300}})
	cfg := fastConfig()
	cfg.MaxDuration = 100 * time.Millisecond
	d := New(rec, cfg)
	defer d.Stop()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.Starts() >= 2 }, "capture restart after discard")

	select {
	case utt := <-d.Utterances():
		t.Fatalf("expected noise to be discarded, got %d bytes", utt.Size())
	default:
	}
	if !d.Capturing() {
		t.Fatalf("expected capture to continue after discard")
	}
}

func TestDetectorStartFailureIsFatal(t *testing.T) {
	rec := mock.NewRecorder(mock.RecorderConfig{FailStart: "permission denied"})
	d := New(rec, fastConfig())
	err := d.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonCaptureStart) {
		t.Fatalf("expected capture_start reason, got %s", errorsx.Reason(err))
	}
	if errorsx.Recoverable(err) {
		t.Fatalf("expected capture start failure to be fatal")
	}
	if d.Capturing() {
		t.Fatalf("expected no capture after failed start")
	}
}

func TestDetectorReportsStreamFailure(t *testing.T) {
	rec := mock.NewRecorder(mock.RecorderConfig{})
	d := New(rec, fastConfig())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.Fail(errors.New("device unplugged"))
	select {
	case err := <-d.Errors():
		if !errorsx.HasReason(err, errorsx.ReasonCaptureStream) {
			t.Fatalf("expected capture_stream reason, got %s", errorsx.Reason(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected capture error")
	}
	if d.Capturing() {
		t.Fatalf("expected capture to be released")
	}
}

func TestDetectorStopIsIdempotent(t *testing.T) {
	rec := mock.NewRecorder(mock.RecorderConfig{})
	d := New(rec, fastConfig())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.FeedSizes(1200, 1300)
	if err := d.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if d.Capturing() || rec.Active() {
		t.Fatalf("expected capture released after stop")
	}
	select {
	case <-d.Utterances():
		t.Fatalf("expected buffered chunks to be dropped on stop")
	case <-time.After(100 * time.Millisecond):
	}
}
