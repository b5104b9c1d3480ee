// Package videocache keeps one local copy per video locator for the duration
// of a campaign run.
package videocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vidcast/internal/campaign/campaignerr"
	"vidcast/internal/eventbus"
	logx "vidcast/pkg/logx"
)

// UploadPrefix namespaces operator uploads so they never collide with URLs.
const UploadPrefix = "file:"

// Fetcher streams the content behind a locator into w.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, w io.Writer) (int64, error)
}

type CachedVideo struct {
	Locator      string    `json:"locator"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	UseCount     int       `json:"use_count"`
	Uploaded     bool      `json:"uploaded"`
}

type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

type entry struct {
	v CachedVideo
	// ready is closed once the fetch finished; err is set on failure.
	ready chan struct{}
	err   error
}

type Cache struct {
	dir     string
	fetcher Fetcher
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	hits    uint64
	misses  uint64
}

type Option func(*Cache)

func WithBus(b eventbus.Bus) Option { return func(c *Cache) { c.bus = b } }
func WithLogger(l logx.Logger) Option { return func(c *Cache) { c.log = l } }
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New creates the cache directory if needed.
func New(dir string, f Fetcher, opts ...Option) (*Cache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if f == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{dir: dir, fetcher: f, entries: map[string]*entry{}, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "videocache"))
	return c, nil
}

func (c *Cache) Dir() string { return c.dir }

// GetOrFetch returns the local path for locator, fetching it on first use.
// Concurrent callers for the same locator share one fetch.
func (c *Cache) GetOrFetch(ctx context.Context, locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", fmt.Errorf("%w: empty locator", campaignerr.ErrFetchFailed)
	}

	c.mu.Lock()
	if e := c.entries[locator]; e != nil {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if e.err != nil {
			return "", e.err
		}
		return c.hit(locator, e), nil
	}
	if strings.HasPrefix(locator, UploadPrefix) {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: upload %q is not cached", campaignerr.ErrFetchFailed, strings.TrimPrefix(locator, UploadPrefix))
	}
	e := &entry{ready: make(chan struct{})}
	c.entries[locator] = e
	c.misses++
	c.mu.Unlock()
	eventbus.PublishSafe(c.bus, eventbus.TypeCacheMiss, locator)

	start := c.now()
	dst := filepath.Join(c.dir, fileName(locator))
	size, err := c.fetchTo(ctx, locator, dst)

	c.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("%w: %s: %w", campaignerr.ErrFetchFailed, locator, err)
		if c.entries[locator] == e {
			delete(c.entries, locator)
		}
		close(e.ready)
		c.mu.Unlock()
		c.log.Warn("video fetch failed", logx.String("locator", locator), logx.Err(err))
		return "", e.err
	}
	now := c.now()
	e.v = CachedVideo{
		Locator:      locator,
		Path:         dst,
		Size:         size,
		DownloadedAt: now,
		LastUsedAt:   now,
		UseCount:     1,
	}
	// A Clear during the fetch dropped the placeholder; the caller still owns
	// the file, so register it again for the next Clear.
	if c.entries[locator] == nil {
		c.entries[locator] = e
	}
	close(e.ready)
	c.mu.Unlock()

	c.log.Info("video cached",
		logx.String("locator", locator),
		logx.Int64("bytes", size),
		logx.Duration("took", now.Sub(start)),
	)
	return dst, nil
}

// AddUploaded registers an operator-supplied file and returns its locator.
// Registering the same name again counts as a hit and keeps the first copy.
func (c *Cache) AddUploaded(name, filePath string, size int64) string {
	key := UploadPrefix + strings.TrimSpace(name)
	c.mu.Lock()
	if e := c.entries[key]; e != nil {
		c.mu.Unlock()
		c.hit(key, e)
		return key
	}
	now := c.now()
	e := &entry{ready: make(chan struct{}), v: CachedVideo{
		Locator:      key,
		Path:         filePath,
		Size:         size,
		DownloadedAt: now,
		LastUsedAt:   now,
		UseCount:     1,
		Uploaded:     true,
	}}
	close(e.ready)
	c.entries[key] = e
	c.mu.Unlock()
	c.log.Info("upload cached", logx.String("locator", key), logx.Int64("bytes", size))
	return key
}

// Clear deletes every local copy and empties the cache. It returns the
// number of removed entries.
func (c *Cache) Clear() int {
	c.mu.Lock()
	old := c.entries
	c.entries = map[string]*entry{}
	c.mu.Unlock()

	n := 0
	for loc, e := range old {
		select {
		case <-e.ready:
		default:
			// still fetching; its owner re-registers the file when done
			continue
		}
		if e.err != nil {
			continue
		}
		if err := os.Remove(e.v.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("cache file remove failed", logx.String("locator", loc), logx.Err(err))
		}
		n++
	}
	if n > 0 {
		c.log.Info("cache cleared", logx.Int("entries", n))
	}
	eventbus.PublishSafe(c.bus, eventbus.TypeCacheCleared, n)
	return n
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Hits: c.hits, Misses: c.misses}
	for _, e := range c.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err == nil {
			st.Entries++
			st.Bytes += e.v.Size
		}
	}
	return st
}

// Path returns the local file of a ready entry without counting a hit.
func (c *Cache) Path(locator string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[locator]
	if e == nil {
		return "", false
	}
	select {
	case <-e.ready:
	default:
		return "", false
	}
	if e.err != nil {
		return "", false
	}
	return e.v.Path, true
}

// Entries returns a copy of all ready entries sorted by locator.
func (c *Cache) Entries() []CachedVideo {
	c.mu.Lock()
	out := make([]CachedVideo, 0, len(c.entries))
	for _, e := range c.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				out = append(out, e.v)
			}
		default:
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Locator < out[j].Locator })
	return out
}

func (c *Cache) hit(locator string, e *entry) string {
	c.mu.Lock()
	c.hits++
	e.v.UseCount++
	e.v.LastUsedAt = c.now()
	p := e.v.Path
	c.mu.Unlock()
	eventbus.PublishSafe(c.bus, eventbus.TypeCacheHit, locator)
	return p
}

func (c *Cache) fetchTo(ctx context.Context, locator, dst string) (int64, error) {
	tmp, err := os.CreateTemp(c.dir, ".fetch-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, ferr := c.fetcher.Fetch(ctx, locator, tmp)
	cerr := tmp.Close()
	if ferr == nil {
		ferr = cerr
	}
	if ferr != nil {
		_ = os.Remove(tmpName)
		return 0, ferr
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// fileName derives a stable local name from the locator, keeping the
// extension of URL paths.
func fileName(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	ext := ".mp4"
	if u, err := url.Parse(locator); err == nil {
		if e := path.Ext(u.Path); e != "" && len(e) <= 5 {
			ext = strings.ToLower(e)
		}
	}
	return "video_" + hex.EncodeToString(sum[:8]) + ext
}
