package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/siavoice/pkg/adapters/capture"
)

// TestHelperProcess stands in for ffmpeg when re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "denied":
		fmt.Fprint(os.Stderr, "default: Input/output error")
		os.Exit(1)
	case "end":
		for i := 0; i < 10; i++ {
			_, _ = os.Stdout.Write(make([]byte, 300))
			time.Sleep(40 * time.Millisecond)
		}
		fmt.Fprint(os.Stderr, "device unplugged")
		os.Exit(1)
	default:
		for {
			_, _ = os.Stdout.Write(make([]byte, 300))
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func helperRecorder(t *testing.T, mode string) *Recorder {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("FFMPEG_HELPER_MODE", mode)
	return New(Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
	}, nil)
}

func TestArgsDefaults(t *testing.T) {
	r := New(Config{InputFormat: "pulse", InputDevice: "mic", Denoise: true}, nil)
	args := strings.Join(r.args(capture.Config{SampleRate: 44100, Channels: 1}), " ")
	for _, want := range []string{"-f pulse", "-i mic", "-af afftdn", "-ar 48000", "-c:a libopus", "-f webm"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in args, got %s", want, args)
		}
	}
	if r.cfg.Command != "ffmpeg" {
		t.Fatalf("expected default command ffmpeg, got %s", r.cfg.Command)
	}

	plain := New(Config{InputFormat: "pulse", InputDevice: "mic"}, nil)
	args = strings.Join(plain.args(capture.Config{SampleRate: 16000}), " ")
	if strings.Contains(args, "afftdn") {
		t.Fatalf("expected no denoise filter, got %s", args)
	}
	if !strings.Contains(args, "-ar 16000") || !strings.Contains(args, "-ac 1") {
		t.Fatalf("expected 16 kHz mono, got %s", args)
	}
}

func TestStartFailsWhenDeviceDenied(t *testing.T) {
	r := helperRecorder(t, "denied")
	_, err := r.Start(context.Background(), capture.Config{ChunkInterval: 50 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected start error")
	}
	if !strings.Contains(err.Error(), "Input/output error") {
		t.Fatalf("expected stderr detail in error, got %v", err)
	}
}

func TestStartFailsForMissingBinary(t *testing.T) {
	r := New(Config{Command: "siavoice-no-such-ffmpeg"}, nil)
	if _, err := r.Start(context.Background(), capture.Config{}); err == nil {
		t.Fatalf("expected start error for missing binary")
	}
}

func TestStreamBatchesChunksAndStops(t *testing.T) {
	r := helperRecorder(t, "stream")
	s, err := r.Start(context.Background(), capture.Config{ChunkInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Encoding() != capture.EncodingWebmOpus {
		t.Fatalf("expected webm encoding, got %s", s.Encoding())
	}
	select {
	case chunk := <-s.Chunks():
		if len(chunk) < 300 {
			t.Fatalf("expected batched chunk, got %d bytes", len(chunk))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a chunk")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Chunks():
			if !ok {
				if s.Err() != nil {
					t.Fatalf("expected nil err after stop, got %v", s.Err())
				}
				return
			}
		case <-deadline:
			t.Fatalf("expected chunks to close after stop")
		}
	}
}

func TestStreamEndReportsError(t *testing.T) {
	r := helperRecorder(t, "end")
	s, err := r.Start(context.Background(), capture.Config{ChunkInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-s.Chunks():
			if !ok {
				if s.Err() == nil || !strings.Contains(s.Err().Error(), "device unplugged") {
					t.Fatalf("expected unplug error, got %v", s.Err())
				}
				return
			}
		case <-deadline:
			t.Fatalf("expected stream to end")
		}
	}
}
