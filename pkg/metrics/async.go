package metrics

import (
	"sync"
	"time"
)

// criticalWait bounds how long a critical event may block the caller when
// the queue is full.
const criticalWait = 50 * time.Millisecond

// AsyncObserver moves observer work off the conversation loop. When the queue
// is full ordinary events are dropped at once; critical ones wait briefly.
type AsyncObserver struct {
	inner    Observer
	queue    chan MetricsEvent
	done     chan struct{}
	critical map[string]struct{}

	mu      sync.RWMutex
	closed  bool
	dropMu  sync.Mutex
	dropped map[string]int64
	once    sync.Once
}

func NewAsyncObserver(inner Observer, buffer int, critical ...string) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:    inner,
		queue:    make(chan MetricsEvent, buffer),
		done:     make(chan struct{}),
		critical: make(map[string]struct{}, len(critical)),
		dropped:  make(map[string]int64),
	}
	for _, name := range critical {
		a.critical[name] = struct{}{}
	}
	go a.run()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
		return
	default:
	}
	if _, ok := a.critical[ev.Name]; ok {
		timer := time.NewTimer(criticalWait)
		defer timer.Stop()
		select {
		case a.queue <- ev:
			return
		case <-timer.C:
		}
	}
	a.dropMu.Lock()
	a.dropped[ev.Name]++
	a.dropMu.Unlock()
}

// Dropped returns the total number of events lost to a full queue.
func (a *AsyncObserver) Dropped() int64 {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	var n int64
	for _, c := range a.dropped {
		n += c
	}
	return n
}

// DroppedByEvent returns a copy of the drop counters keyed by event name.
func (a *AsyncObserver) DroppedByEvent() map[string]int64 {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	out := make(map[string]int64, len(a.dropped))
	for k, v := range a.dropped {
		out[k] = v
	}
	return out
}

// Close stops intake, waits for queued events to reach the inner observer and flushes it.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		<-a.done
		if f, ok := a.inner.(Flusher); ok {
			_ = f.Flush()
		}
	})
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for ev := range a.queue {
		a.inner.RecordEvent(ev)
	}
}
