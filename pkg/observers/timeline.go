package observers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/redact"
)

// TimelineObserver appends every session-tagged event to <dir>/<session>.jsonl.
// Offsets are measured from the first event seen for that session, so a
// timeline reads as a turn-by-turn trace of one conversation.
type TimelineObserver struct {
	dir string

	mu       sync.Mutex
	open     map[string]*sessionLog
	started  map[string]time.Time
	seq      map[string]int
	writeErr error
}

type sessionLog struct {
	f *os.File
	w *bufio.Writer
}

type timelineEntry struct {
	Seq      int               `json:"seq"`
	Time     time.Time         `json:"time"`
	OffsetMS int64             `json:"offset_ms"`
	Event    string            `json:"event"`
	TurnID   string            `json:"turn_id,omitempty"`
	Value    float64           `json:"value,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{
		dir:     strings.TrimSpace(dir),
		open:    make(map[string]*sessionLog),
		started: make(map[string]time.Time),
		seq:     make(map[string]int),
	}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sanitizeID(ev.Tags["session_id"])
	if id == "" || o.dir == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	log, err := o.session(id)
	if err != nil {
		o.writeErr = err
		return
	}
	start, ok := o.started[id]
	if !ok {
		start = at
		o.started[id] = at
	}
	o.seq[id]++
	entry := timelineEntry{
		Seq:      o.seq[id],
		Time:     at.UTC(),
		OffsetMS: at.Sub(start).Milliseconds(),
		Event:    ev.Name,
		TurnID:   ev.Tags["turn_id"],
		Value:    ev.Value,
		Tags:     extraTags(ev.Tags),
		Fields:   sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		o.writeErr = err
		return
	}
	if _, err := log.w.Write(append(line, '\n')); err != nil {
		o.writeErr = err
	}
	// a disconnect ends the file handle, not the timeline; a reconnect appends
	if ev.Name == metrics.EventConnection && ev.Value == 0 {
		o.closeSession(id)
	}
}

// Flush pushes buffered lines of every open session to disk.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, log := range o.open {
		err = errors.Join(err, log.w.Flush())
	}
	return err
}

// Err returns the last write failure, if any.
func (o *TimelineObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeErr
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id := range o.open {
		err = errors.Join(err, o.closeSession(id))
	}
	return err
}

func (o *TimelineObserver) session(id string) (*sessionLog, error) {
	if log := o.open[id]; log != nil {
		return log, nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, fmt.Errorf("timeline dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(o.dir, id+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("timeline file: %w", err)
	}
	log := &sessionLog{f: f, w: bufio.NewWriter(f)}
	o.open[id] = log
	return log, nil
}

func (o *TimelineObserver) closeSession(id string) error {
	log := o.open[id]
	if log == nil {
		return nil
	}
	delete(o.open, id)
	return errors.Join(log.w.Flush(), log.f.Close())
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// extraTags drops the ids already lifted into the entry.
func extraTags(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		if k == "session_id" || k == "turn_id" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = v
	}
	return out
}

// sanitizeFields redacts free text (transcripts, replies) and drops audio payloads.
func sanitizeFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if strings.HasSuffix(k, "_b64") {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = redact.Text(val)
		case error:
			out[k] = redact.Text(val.Error())
		default:
			out[k] = v
		}
	}
	return out
}

var (
	_ metrics.Observer = (*TimelineObserver)(nil)
	_ metrics.Flusher  = (*TimelineObserver)(nil)
)
