package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/providers/mock"
)

type results struct {
	mu   sync.Mutex
	got  []Result
	seen map[string]int
	ch   chan Result
}

func newResults() *results {
	return &results{seen: map[string]int{}, ch: make(chan Result, 16)}
}

func (r *results) done(res Result) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.seen[res.ClipID]++
	r.mu.Unlock()
	r.ch <- res
}

func (r *results) wait(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for completion")
	}
	return Result{}
}

func clip(b ...byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestPlayCompletesOnce(t *testing.T) {
	player := mock.NewPlayer(mock.PlayerConfig{})
	seq := New(player)
	defer seq.Close()

	r := newResults()
	id := seq.Play(context.Background(), clip(1, 2, 3), r.done)
	res := r.wait(t)
	if res.Err != nil || res.ClipID != id || res.Bytes != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	time.Sleep(20 * time.Millisecond)
	if r.seen[id] != 1 {
		t.Fatalf("expected one completion, got %d", r.seen[id])
	}
}

func TestClipsNeverOverlap(t *testing.T) {
	player := mock.NewPlayer(mock.PlayerConfig{DurationMS: 10})
	seq := New(player)
	defer seq.Close()

	r := newResults()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, seq.Play(context.Background(), clip(byte(i)), r.done))
	}
	for i := range ids {
		res := r.wait(t)
		if res.ClipID != ids[i] {
			t.Fatalf("expected clip %d in order", i)
		}
	}
	if got := player.MaxConcurrent(); got != 1 {
		t.Fatalf("expected at most one clip playing, got %d", got)
	}
	if seq.Busy() {
		t.Fatalf("expected idle sequencer")
	}
}

func TestDecodeErrorStillCompletes(t *testing.T) {
	player := mock.NewPlayer(mock.PlayerConfig{})
	seq := New(player)
	defer seq.Close()

	r := newResults()
	seq.Play(context.Background(), "%%%not-base64", r.done)
	res := r.wait(t)
	if !errorsx.HasReason(res.Err, errorsx.ReasonPlaybackDecode) {
		t.Fatalf("expected decode reason, got %v", res.Err)
	}
	if len(player.Clips()) != 0 {
		t.Fatalf("expected player never invoked")
	}
}

func TestPlayerFailureCompletes(t *testing.T) {
	player := mock.NewPlayer(mock.PlayerConfig{})
	player.SetFail(errors.New("device busy"))
	seq := New(player)
	defer seq.Close()

	r := newResults()
	seq.Play(context.Background(), clip(9), r.done)
	if res := r.wait(t); !errorsx.HasReason(res.Err, errorsx.ReasonPlaybackFailed) {
		t.Fatalf("expected playback_failed, got %v", res.Err)
	}
}

func TestCloseFailsQueuedClips(t *testing.T) {
	player := mock.NewPlayer(mock.PlayerConfig{})
	player.Gate = make(chan struct{})
	seq := New(player)

	r := newResults()
	seq.Play(context.Background(), clip(1), r.done)
	seq.Play(context.Background(), clip(2), r.done)
	deadline := time.Now().Add(time.Second)
	for len(player.Clips()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := seq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	first, second := r.wait(t), r.wait(t)
	if first.Err == nil || !errors.Is(second.Err, ErrClosed) {
		t.Fatalf("expected cancelled and closed results, got %v / %v", first.Err, second.Err)
	}
	if err := seq.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	seq.Play(context.Background(), clip(3), r.done)
	if res := r.wait(t); !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", res.Err)
	}
}

func TestDecodeVariants(t *testing.T) {
	want := []byte{0xfb, 0xff, 0x01}
	inputs := []string{
		base64.StdEncoding.EncodeToString(want),
		base64.RawURLEncoding.EncodeToString(want),
		"data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(want),
	}
	for _, in := range inputs {
		got, err := Decode(in)
		if err != nil || string(got) != string(want) {
			t.Fatalf("decode %q: got %v %v", in, got, err)
		}
	}
	if _, err := Decode(""); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
