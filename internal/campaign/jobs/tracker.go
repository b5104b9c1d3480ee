// Package jobs keeps per-campaign status, progress and a bounded log for
// asynchronous callers.
package jobs

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

type Job struct {
	RequestID string     `json:"request_id"`
	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
	Cancelled bool       `json:"cancelled"`
	Logs      []LogEntry `json:"logs"`
	// Result is whatever the run produced; it is copied by reference.
	Result any `json:"result,omitempty"`
}

const (
	defaultMaxLogs   = 1000
	defaultRetention = time.Hour
	defaultMaxJobs   = 200
)

type Options struct {
	MaxLogs   int
	Retention time.Duration
	MaxJobs   int
	Now       func() time.Time
}

type entry struct {
	job Job
	// ring buffer state for job.Logs
	head int
	full bool
}

// Tracker is the in-memory job table. Reads may run concurrently with the
// single writer of each job.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*entry

	maxLogs   int
	retention time.Duration
	maxJobs   int
	now       func() time.Time
}

func NewTracker(opt Options) *Tracker {
	t := &Tracker{jobs: map[string]*entry{}}
	t.Apply(opt)
	return t
}

// Apply updates limits. Existing log rings keep their contents until they wrap.
func (t *Tracker) Apply(opt Options) {
	if opt.MaxLogs <= 0 {
		opt.MaxLogs = defaultMaxLogs
	}
	if opt.Retention <= 0 {
		opt.Retention = defaultRetention
	}
	if opt.MaxJobs <= 0 {
		opt.MaxJobs = defaultMaxJobs
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	t.mu.Lock()
	t.maxLogs = opt.MaxLogs
	t.retention = opt.Retention
	t.maxJobs = opt.MaxJobs
	t.now = opt.Now
	t.mu.Unlock()
}

// Create registers a new processing job. An existing id is reset.
func (t *Tracker) Create(id string) Job {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &entry{job: Job{RequestID: id, Status: StatusProcessing, StartedAt: t.now()}}
	t.jobs[id] = e
	return e.job
}

func (t *Tracker) AppendLog(id, level, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.jobs[id]
	if e == nil {
		return
	}
	le := LogEntry{Time: t.now(), Level: level, Message: msg}
	if len(e.job.Logs) < t.maxLogs && !e.full {
		e.job.Logs = append(e.job.Logs, le)
		if len(e.job.Logs) == t.maxLogs {
			e.full = true
			e.head = 0
		}
		return
	}
	// Overwrite the oldest slot.
	e.full = true
	e.job.Logs[e.head] = le
	e.head = (e.head + 1) % len(e.job.Logs)
}

// SetProgress clamps pct to 0..100. Terminal jobs are left untouched.
func (t *Tracker) SetProgress(id string, pct int) {
	pct = min(max(pct, 0), 100)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.jobs[id]; e != nil && !e.job.Status.Terminal() {
		e.job.Progress = pct
	}
}

// Finish records the terminal status. Only the first call takes effect.
func (t *Tracker) Finish(id string, st Status, result any) bool {
	if !st.Terminal() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.jobs[id]
	if e == nil || e.job.Status.Terminal() {
		return false
	}
	e.job.Status = st
	e.job.EndedAt = t.now()
	e.job.Result = result
	if st == StatusCompleted {
		e.job.Progress = 100
	}
	return true
}

// Cancel flags a running job. The run observes the flag at its next chunk
// boundary. Unknown and finished jobs return false.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.jobs[id]
	if e == nil || e.job.Status.Terminal() {
		return false
	}
	e.job.Cancelled = true
	return true
}

func (t *Tracker) Cancelled(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.jobs[id]
	return e != nil && e.job.Cancelled
}

// Get returns a copy of the job with logs in chronological order.
func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.jobs[id]
	if e == nil {
		return Job{}, false
	}
	return e.snapshot(), true
}

// List returns copies of all jobs, newest first.
func (t *Tracker) List() []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, e := range t.jobs {
		j := e.snapshot()
		j.Logs = nil
		out = append(out, j)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// Prune drops terminal jobs older than the retention window and then, if the
// table is still above MaxJobs, the oldest terminal jobs. Running jobs are
// never removed. It returns the number of removed jobs.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.jobs {
		if !e.job.Status.Terminal() {
			continue
		}
		if now.Sub(e.job.EndedAt) > t.retention {
			delete(t.jobs, id)
			removed++
		}
	}
	if len(t.jobs) <= t.maxJobs {
		return removed
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(t.jobs))
	for id, e := range t.jobs {
		if e.job.Status.Terminal() {
			items = append(items, kv{id: id, t: e.job.EndedAt})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(t.jobs) - t.maxJobs
	for i := 0; i < excess && i < len(items); i++ {
		delete(t.jobs, items[i].id)
		removed++
	}
	return removed
}

func (e *entry) snapshot() Job {
	j := e.job
	n := len(e.job.Logs)
	j.Logs = make([]LogEntry, 0, n)
	if e.full {
		j.Logs = append(j.Logs, e.job.Logs[e.head:]...)
		j.Logs = append(j.Logs, e.job.Logs[:e.head]...)
	} else {
		j.Logs = append(j.Logs, e.job.Logs...)
	}
	return j
}
