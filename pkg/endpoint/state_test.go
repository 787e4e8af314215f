package endpoint

import (
	"math/rand"
	"testing"
	"time"
)

func TestStateEmitsAfterSilence(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := NewState(Config{MinUtteranceSize: 3000}, t0)

	for i, n := range []int{1200, 1300, 1250} {
		if !s.Observe(make([]byte, n), t0.Add(time.Duration(i+1)*100*time.Millisecond)) {
			t.Fatalf("expected chunk %d of %d bytes to be speech", i, n)
		}
	}
	if d, _ := s.Tick(t0.Add(1700 * time.Millisecond)); d != DecisionContinue {
		t.Fatalf("expected continue before silence timeout, got %s", d)
	}
	d, reason := s.Tick(t0.Add(300*time.Millisecond + 1600*time.Millisecond))
	if d != DecisionEmit || reason != EndSilence {
		t.Fatalf("expected emit on silence, got %s %s", d, reason)
	}
	if got := len(s.Assemble()); got != 3750 {
		t.Fatalf("expected 3750 bytes, got %d", got)
	}
	if s.ChunkCount() != 3 {
		t.Fatalf("expected 3 chunks, got %d", s.ChunkCount())
	}
}

func TestStateMinimumSizeAppliesAfterSilence(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := NewState(Config{}, t0)
	for i, n := range []int{1200, 1300, 1250} {
		s.Observe(make([]byte, n), t0.Add(time.Duration(i+1)*100*time.Millisecond))
	}
	d, reason := s.Tick(t0.Add(1900 * time.Millisecond))
	if d != DecisionDiscard || reason != EndSilence {
		t.Fatalf("expected 3750 bytes under the 5000 byte default to be discarded, got %s %s", d, reason)
	}
}

func TestStateDiscardsQuietCapWindow(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := NewState(Config{}, t0)
	sizes := []int{200, 150, 300}

	now := t0
	var emitted, discarded int
	var reason EndReason
	for i := 1; i <= 310; i++ {
		now = t0.Add(time.Duration(i) * 100 * time.Millisecond)
		if s.Observe(make([]byte, sizes[i%len(sizes)]), now) {
			t.Fatalf("expected quiet chunk to be classified as noise")
		}
		if i%3 != 0 {
			continue
		}
		d, r := s.Tick(now)
		switch d {
		case DecisionEmit:
			emitted++
		case DecisionDiscard:
			discarded++
			reason = r
			if now.Sub(t0) <= DefaultMaxDuration {
				t.Fatalf("expected cap to trigger only after %s, triggered at %s", DefaultMaxDuration, now.Sub(t0))
			}
			s.Reset(now)
		}
	}
	if emitted != 0 {
		t.Fatalf("expected no utterance, got %d", emitted)
	}
	if discarded != 1 || reason != EndMaxDuration {
		t.Fatalf("expected one discard at the cap, got %d (%s)", discarded, reason)
	}
}

func TestStateCapEmitsWhenSpeechIsLongEnough(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := NewState(Config{MaxDuration: 2 * time.Second, SilenceTimeout: time.Second}, t0)
	for i := 1; i <= 25; i++ {
		s.Observe(make([]byte, 1500), t0.Add(time.Duration(i)*100*time.Millisecond))
	}
	d, reason := s.Tick(t0.Add(2600 * time.Millisecond))
	if d != DecisionEmit || reason != EndMaxDuration {
		t.Fatalf("expected forced emit at cap, got %s %s", d, reason)
	}
}

func TestStateNoiseNeverEmits(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		t0 := time.Unix(0, 0)
		s := NewState(Config{}, t0)
		now := t0
		for step := 0; step < 600; step++ {
			now = now.Add(time.Duration(r.Intn(200)) * time.Millisecond)
			s.Observe(make([]byte, r.Intn(DefaultSpeechThreshold+1)), now)
			d, _ := s.Tick(now)
			if d == DecisionEmit {
				t.Fatalf("run %d: noise produced an utterance after %d steps", run, step)
			}
			if d == DecisionDiscard {
				s.Reset(now)
			}
		}
	}
}

func TestRMSClassifier(t *testing.T) {
	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		loud[i] = 0x10
		loud[i+1] = 0x27 // 10000
	}
	if !(RMSClassifier{Threshold: 500}).Speech(loud) {
		t.Fatalf("expected loud pcm to be speech, rms %.1f", RMS(loud))
	}
	if (RMSClassifier{Threshold: 500}).Speech(make([]byte, 320)) {
		t.Fatalf("expected silent pcm to be noise")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if err := (Config{SilenceTimeout: 40 * time.Second}).Validate(); err == nil {
		t.Fatalf("expected silence timeout above cap to fail")
	}
	if err := (Config{Classifier: "spectral"}).Validate(); err == nil {
		t.Fatalf("expected unknown classifier to fail")
	}
}
