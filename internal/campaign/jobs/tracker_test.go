package jobs

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func fixedNow(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Create("req-1")

	tr.SetProgress("req-1", 140)
	j, ok := tr.Get("req-1")
	if !ok || j.Status != StatusProcessing || j.Progress != 100 {
		t.Fatalf("job = %+v ok=%v", j, ok)
	}
	tr.SetProgress("req-1", -3)
	if j, _ := tr.Get("req-1"); j.Progress != 0 {
		t.Fatalf("progress must clamp to 0, got %d", j.Progress)
	}

	if !tr.Finish("req-1", StatusCompleted, "ok") {
		t.Fatalf("first finish must win")
	}
	if tr.Finish("req-1", StatusFailed, "late") {
		t.Fatalf("second finish must be ignored")
	}
	j, _ = tr.Get("req-1")
	if j.Status != StatusCompleted || j.Result != "ok" || j.EndedAt.IsZero() || j.Progress != 100 {
		t.Fatalf("job = %+v", j)
	}
	if tr.Cancel("req-1") {
		t.Fatalf("cancel of a finished job must report false")
	}
	if tr.Cancel("nope") {
		t.Fatalf("cancel of unknown job must report false")
	}
}

func TestTrackerCancelFlag(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Create("a")
	if tr.Cancelled("a") {
		t.Fatalf("fresh job must not be cancelled")
	}
	if !tr.Cancel("a") || !tr.Cancelled("a") {
		t.Fatalf("cancel flag not set")
	}
	if j, _ := tr.Get("a"); j.Status != StatusProcessing {
		t.Fatalf("cancel must not change status, got %s", j.Status)
	}
}

func TestTrackerLogRingKeepsNewest(t *testing.T) {
	tr := NewTracker(Options{MaxLogs: 3})
	tr.Create("a")
	for i := 0; i < 5; i++ {
		tr.AppendLog("a", "info", fmt.Sprintf("m%d", i))
	}
	j, _ := tr.Get("a")
	if len(j.Logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(j.Logs))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if j.Logs[i].Message != want {
			t.Fatalf("logs[%d] = %q, want %q", i, j.Logs[i].Message, want)
		}
	}
}

func TestTrackerGetReturnsCopy(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Create("a")
	tr.AppendLog("a", "info", "one")
	j, _ := tr.Get("a")
	j.Logs[0].Message = "mutated"
	j2, _ := tr.Get("a")
	if j2.Logs[0].Message != "one" {
		t.Fatalf("Get must deep copy logs")
	}
}

func TestTrackerPrune(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	now := t0
	tr := NewTracker(Options{MaxJobs: 2, Retention: time.Hour, Now: func() time.Time { return now }})

	tr.Create("old")
	tr.Finish("old", StatusCompleted, nil)
	tr.Create("running")

	now = t0.Add(2 * time.Hour)
	if n := tr.Prune(now); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, ok := tr.Get("old"); ok {
		t.Fatalf("expired job must be pruned")
	}
	if _, ok := tr.Get("running"); !ok {
		t.Fatalf("running job must survive")
	}

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		id := fmt.Sprintf("done-%d", i)
		tr.Create(id)
		tr.Finish(id, StatusFailed, nil)
	}
	tr.Prune(now)
	if tr.Len() != 2 {
		t.Fatalf("len = %d, want 2", tr.Len())
	}
	if _, ok := tr.Get("done-2"); !ok {
		t.Fatalf("newest finished job must survive")
	}
}

func TestTrackerConcurrentReaders(t *testing.T) {
	tr := NewTracker(Options{Now: fixedNow(time.Unix(0, 0))})
	tr.Create("a")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 200; k++ {
				tr.Get("a")
				tr.List()
			}
		}()
	}
	for k := 0; k < 200; k++ {
		tr.AppendLog("a", "info", "x")
		tr.SetProgress("a", k%100)
	}
	wg.Wait()
}
