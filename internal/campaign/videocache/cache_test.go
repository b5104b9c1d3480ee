package videocache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vidcast/internal/campaign/campaignerr"
	"vidcast/internal/eventbus"
	logx "vidcast/pkg/logx"
)

type fakeFetcher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	body  string
}

func (f *fakeFetcher) Fetch(ctx context.Context, locator string, w io.Writer) (int64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	n, err := io.WriteString(w, f.body+locator)
	return int64(n), err
}

func TestGetOrFetchHitAndMiss(t *testing.T) {
	f := &fakeFetcher{body: "video:"}
	c, err := New(t.TempDir(), f, WithLogger(logx.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	p1, err := c.GetOrFetch(ctx, "https://cdn.example/a.mp4")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	p2, err := c.GetOrFetch(ctx, "https://cdn.example/a.mp4")
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if p1 != p2 || filepath.Ext(p1) != ".mp4" {
		t.Fatalf("paths %q %q", p1, p2)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("fetch calls = %d", f.calls.Load())
	}
	b, err := os.ReadFile(p1)
	if err != nil || !strings.HasPrefix(string(b), "video:") {
		t.Fatalf("content %q err %v", b, err)
	}
	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 1 || st.Bytes != int64(len(b)) {
		t.Fatalf("stats = %+v", st)
	}
	if es := c.Entries(); len(es) != 1 || es[0].UseCount != 2 {
		t.Fatalf("entries = %+v", es)
	}
}

func TestGetOrFetchConcurrentSingleFetch(t *testing.T) {
	f := &fakeFetcher{body: "x", delay: 20 * time.Millisecond}
	c, err := New(t.TempDir(), f)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.GetOrFetch(context.Background(), "https://cdn.example/same.mp4")
			if err != nil {
				t.Errorf("fetch %d: %v", i, err)
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()
	if f.calls.Load() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.calls.Load())
	}
	for _, p := range paths {
		if p != paths[0] {
			t.Fatalf("paths differ: %v", paths)
		}
	}
}

func TestGetOrFetchFailureInsertsNothing(t *testing.T) {
	f := &fakeFetcher{err: errors.New("404")}
	c, err := New(t.TempDir(), f)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.GetOrFetch(context.Background(), "https://cdn.example/missing.mp4")
	if !errors.Is(err, campaignerr.ErrFetchFailed) {
		t.Fatalf("err = %v", err)
	}
	if st := c.Stats(); st.Entries != 0 {
		t.Fatalf("failed fetch must not be cached: %+v", st)
	}
	left, _ := os.ReadDir(c.Dir())
	if len(left) != 0 {
		t.Fatalf("temp files left behind: %v", left)
	}
}

func TestClearRemovesFiles(t *testing.T) {
	c, err := New(t.TempDir(), &fakeFetcher{body: "v"})
	if err != nil {
		t.Fatal(err)
	}
	if n := c.Clear(); n != 0 {
		t.Fatalf("clear on empty = %d", n)
	}
	p, err := c.GetOrFetch(context.Background(), "https://cdn.example/a.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if n := c.Clear(); n != 1 {
		t.Fatalf("cleared = %d", n)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("file must be deleted, stat err = %v", err)
	}
	if st := c.Stats(); st.Entries != 0 {
		t.Fatalf("stats after clear = %+v", st)
	}
}

func TestAddUploadedNamespace(t *testing.T) {
	dir := t.TempDir()
	up := filepath.Join(dir, "upload.mp4")
	if err := os.WriteFile(up, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	c, err := New(dir, &fakeFetcher{}, WithBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	key := c.AddUploaded("upload.mp4", up, 3)
	if key != "file:upload.mp4" {
		t.Fatalf("key = %q", key)
	}
	if again := c.AddUploaded("upload.mp4", up, 3); again != key {
		t.Fatalf("repeat key = %q", again)
	}
	p, err := c.GetOrFetch(context.Background(), key)
	if err != nil || p != up {
		t.Fatalf("path = %q err = %v", p, err)
	}
	if st := c.Stats(); st.Hits != 2 || st.Misses != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if _, err := c.GetOrFetch(context.Background(), "file:unknown.mp4"); !errors.Is(err, campaignerr.ErrFetchFailed) {
		t.Fatalf("unknown upload err = %v", err)
	}

	hits := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeCacheHit {
			hits++
		}
	}
	if hits != 2 {
		t.Fatalf("cache.hit events = %d", hits)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp4" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherConfig{Timeout: 5 * time.Second})
	var sb strings.Builder
	n, err := f.Fetch(context.Background(), srv.URL+"/ok.mp4", &sb)
	if err != nil || n != 7 || sb.String() != "payload" {
		t.Fatalf("n=%d body=%q err=%v", n, sb.String(), err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing.mp4", io.Discard); err == nil {
		t.Fatalf("expected status error")
	}
	if _, err := f.Fetch(context.Background(), "ftp://x/y.mp4", io.Discard); err == nil {
		t.Fatalf("expected scheme error")
	}
}
