package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "vidcast/pkg/logx"
)

// fileStore is the JSON Lines persistence backend.
//
// Files:
//   - <prefix>.campaigns.jsonl         (append-only outcomes)
//   - <prefix>.consumed.snapshot.json  (periodic snapshot)
//   - <prefix>.consumed.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	campaignsPath string
	campaignsFile *os.File

	snapshotPath string
	journalFile  *os.File
	consumed     map[string]int64 // unix milli

	journalWrites int
}

type consumedRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	campaignsPath := prefix + ".campaigns.jsonl"
	snapPath := prefix + ".consumed.snapshot.json"
	journalPath := prefix + ".consumed.journal.jsonl"

	cf, err := os.OpenFile(campaignsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	consumed := map[string]int64{}
	if err := loadSnapshot(snapPath, consumed); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("consumed snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, consumed); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("consumed journal unreadable", logx.Err(err))
	}
	pruneExpired(consumed, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = cf.Close()
		return nil, err
	}

	return &fileStore{
		log:           log,
		campaignsPath: campaignsPath,
		campaignsFile: cf,
		snapshotPath:  snapPath,
		journalFile:   jf,
		consumed:      consumed,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.campaignsFile != nil {
		err1 = s.campaignsFile.Close()
		s.campaignsFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendCampaign(ctx context.Context, r CampaignRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.campaignsFile == nil {
		return errors.New("campaign log closed")
	}
	return json.NewEncoder(s.campaignsFile).Encode(r)
}

// RecentCampaigns scans the whole log; it is sized for operator queries, not
// hot paths.
func (s *fileStore) RecentCampaigns(ctx context.Context, limit int) ([]CampaignRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.campaignsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]CampaignRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r CampaignRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) == limit {
			ring = append(ring[1:], r)
		} else {
			ring = append(ring, r)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	out := make([]CampaignRecord, len(ring))
	for i := range ring {
		out[i] = ring[len(ring)-1-i]
	}
	return out, nil
}

func (s *fileStore) MarkConsumed(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("consumed journal closed")
	}
	s.consumed[key] = ms

	if err := json.NewEncoder(s.journalFile).Encode(consumedRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("consumed compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Consumed(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.consumed[key]
	if !ok {
		return time.Time{}, false, nil
	}
	until := time.UnixMilli(ms)
	if until.Before(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.consumed, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.consumed); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r consumedRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpired(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}
