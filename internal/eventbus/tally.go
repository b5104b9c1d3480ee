package eventbus

import (
	"context"
	"sort"
	"sync"
)

// Tally counts events by type. It is the in-process metrics sink for
// cache hit/miss and campaign lifecycle counters.
type Tally struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func NewTally() *Tally {
	return &Tally{counts: map[string]uint64{}}
}

// Run consumes bus events until ctx is done.
func (t *Tally) Run(ctx context.Context, bus Bus) {
	if bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			t.Add(e.Type)
		}
	}
}

func (t *Tally) Add(typ string) {
	t.mu.Lock()
	t.counts[typ]++
	t.mu.Unlock()
}

func (t *Tally) Get(typ string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[typ]
}

// Snapshot returns a copy of all counters.
func (t *Tally) Snapshot() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Types returns the counted event types in sorted order.
func (t *Tally) Types() []string {
	snap := t.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
