package endpoint

import "time"

type Decision int

const (
	DecisionContinue Decision = iota
	DecisionEmit
	DecisionDiscard
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionEmit:
		return "emit"
	case DecisionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndMaxDuration EndReason = "max_duration"
)

// State is the endpointing state of one capture. It is advanced by Observe for each chunk
// and evaluated by Tick on a fixed poll interval; it holds no timers of its own.
type State struct {
	cfg        Config
	classifier Classifier

	startedAt  time.Time
	lastSpeech time.Time
	speechSeen bool
	chunks     [][]byte
	size       int
}

func NewState(cfg Config, now time.Time) *State {
	cfg = cfg.withDefaults()
	s := &State{cfg: cfg, classifier: cfg.classifier()}
	s.Reset(now)
	return s
}

// Reset clears the buffer and starts a new recording window at now.
func (s *State) Reset(now time.Time) {
	s.startedAt = now
	s.lastSpeech = time.Time{}
	s.speechSeen = false
	s.chunks = nil
	s.size = 0
}

// Observe buffers chunk and reports whether it was classified as speech.
func (s *State) Observe(chunk []byte, now time.Time) bool {
	if len(chunk) == 0 {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	s.size += len(chunk)
	if !s.classifier.Speech(chunk) {
		return false
	}
	s.speechSeen = true
	s.lastSpeech = now
	return true
}

// Tick evaluates the end-of-utterance conditions at now.
func (s *State) Tick(now time.Time) (Decision, EndReason) {
	var reason EndReason
	switch {
	case s.speechSeen && now.Sub(s.lastSpeech) > s.cfg.SilenceTimeout:
		reason = EndSilence
	case now.Sub(s.startedAt) > s.cfg.MaxDuration:
		reason = EndMaxDuration
	default:
		return DecisionContinue, ""
	}
	// A capped window that never held speech is noise whatever its size.
	if !s.speechSeen || s.size < s.cfg.MinUtteranceSize {
		return DecisionDiscard, reason
	}
	return DecisionEmit, reason
}

// Assemble concatenates the buffered chunks into one payload.
func (s *State) Assemble() []byte {
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

func (s *State) Size() int             { return s.size }
func (s *State) ChunkCount() int       { return len(s.chunks) }
func (s *State) SpeechSeen() bool      { return s.speechSeen }
func (s *State) StartedAt() time.Time  { return s.startedAt }
func (s *State) LastSpeech() time.Time { return s.lastSpeech }
