package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "vidcast/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("st = %v err = %v", st, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func testStore(t *testing.T, driver string) {
	path := filepath.Join(t.TempDir(), "vidcast.db")
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := st.AppendCampaign(ctx, CampaignRecord{
			RequestID:   fmt.Sprintf("req-%d", i),
			Status:      "completed",
			ForwardedTo: i,
			SeedKind:    "contact",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	recs, err := st.RecentCampaigns(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 || recs[0].RequestID != "req-2" || recs[1].RequestID != "req-1" {
		t.Fatalf("recent = %+v", recs)
	}
	if recs[0].At.IsZero() || recs[0].SeedKind != "contact" || recs[0].ForwardedTo != 2 {
		t.Fatalf("record = %+v", recs[0])
	}

	if _, ok, err := st.Consumed(ctx, "batch-1"); ok || err != nil {
		t.Fatalf("unexpected consumed marker, err = %v", err)
	}
	if err := st.MarkConsumed(ctx, "batch-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := st.MarkConsumed(ctx, "batch-old", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, ok, err := st.Consumed(ctx, "batch-1"); !ok || err != nil {
		t.Fatalf("batch-1 must be consumed, err = %v", err)
	}
	if _, ok, _ := st.Consumed(ctx, "batch-old"); ok {
		t.Fatalf("expired marker must not count")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Markers survive a reopen.
	st2, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, ok, err := st2.Consumed(ctx, "batch-1"); !ok || err != nil {
		t.Fatalf("marker lost after reopen, err = %v", err)
	}
}

func TestFileStore(t *testing.T)   { testStore(t, "file") }
func TestSQLiteStore(t *testing.T) { testStore(t, "sqlite") }
