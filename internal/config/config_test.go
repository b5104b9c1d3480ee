package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
transport:
  token: "123:abc"
  poll_timeout: 15s
logging:
  level: debug
  console: true
dispatch:
  chunk_size: 8
  forward_delay: 1s
safe_send:
  rate_per_sec: 2.5
storage:
  driver: sqlite
  path: ./data/vidcast.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Token != "123:abc" || cfg.Transport.PollTimeout != "15s" {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.Dispatch.ChunkSize != 8 || cfg.Dispatch.ForwardDelay != "1s" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.SafeSend.RatePerSec != 2.5 {
		t.Fatalf("rate_per_sec = %v", cfg.SafeSend.RatePerSec)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.json", []byte(`{"transport":{"token":"x"},"plugins":{}}`))
	if err == nil || !strings.Contains(err.Error(), "plugins") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	_, err = Decode("config.yaml", []byte("dispatch:\n  chunk_sz: 3\n"))
	if err == nil {
		t.Fatal("expected unknown field error for yaml")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		`{"transport":{}} {"transport":{}}`,
		`{"transport":{}} {"bogus":1}`,
		`{"transport":{}} xyz`,
	} {
		_, err := Decode("config.json", []byte(in))
		if err == nil || !strings.Contains(err.Error(), "trailing") {
			t.Fatalf("%s: expected trailing data error, got %v", in, err)
		}
	}
	if _, err := Decode("config.json", []byte("{\"transport\":{}}\n\n")); err != nil {
		t.Fatalf("trailing whitespace must be accepted: %v", err)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Transport.Token != "" || cfg.Storage != nil {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty", raw: "", want: time.Minute},
		{name: "zero", raw: "0s", want: time.Minute},
		{name: "value", raw: "105s", want: 105 * time.Second},
		{name: "negative", raw: "-1s", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDurationReaderKeepsFirstError(t *testing.T) {
	t.Parallel()
	var r DurationReader
	a := r.Or("a", "2s", time.Second)
	b := r.Or("b", "bogus", 3*time.Second)
	c := r.Exact("c", "also-bogus")
	if a != 2*time.Second || b != 3*time.Second || c != 0 {
		t.Fatalf("values = %v %v %v", a, b, c)
	}
	if r.Err() == nil || !strings.HasPrefix(r.Err().Error(), "b:") {
		t.Fatalf("Err = %v, want error for field b", r.Err())
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Transport: TransportConfig{Token: "secret-1"}}
	newCfg := &Config{
		Transport: TransportConfig{Token: "secret-2"},
		Dispatch:  DispatchConfig{ChunkSize: 6},
		Storage:   &StorageConfig{Driver: "file", Path: "./data/vidcast"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "dispatch,storage,transport" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "storage,transport" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	// An explicit default maintenance section is not a change.
	same := &Config{Maintenance: &MaintenanceConfig{Enabled: true}}
	changed, _, _ = SummarizeConfigChange(&Config{}, same)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}

func TestSubscribeDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)
	got := <-ch
	if got != second {
		t.Fatalf("got level %q, want newest", got.Logging.Level)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"dispatch":{"chunk_size":4}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	if m.reload(context.Background()) {
		t.Fatal("unchanged file should not publish")
	}

	writeFile(t, filepath.Dir(p), "config.json", `{"dispatch":{"chunk_size":-1}}`)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Dispatch.ChunkSize < 0 {
			return errors.New("dispatch.chunk_size must be >= 0")
		}
		return nil
	})
	if m.reload(context.Background()) {
		t.Fatal("rejected config should not publish")
	}
	if m.Get().Dispatch.ChunkSize != 4 {
		t.Fatalf("committed chunk_size = %d, want 4", m.Get().Dispatch.ChunkSize)
	}

	writeFile(t, filepath.Dir(p), "config.json", `{"dispatch":{"chunk_size":9}}`)
	if !m.reload(context.Background()) {
		t.Fatal("valid config should publish")
	}
	select {
	case cfg := <-sub:
		if cfg.Dispatch.ChunkSize != 9 {
			t.Fatalf("published chunk_size = %d", cfg.Dispatch.ChunkSize)
		}
	default:
		t.Fatal("expected a published config")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"jobs":{"max_jobs":10}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"jobs":{"max_jobs":20}}`)

	select {
	case cfg := <-sub:
		if cfg.Jobs.MaxJobs != 20 {
			t.Fatalf("max_jobs = %d, want 20", cfg.Jobs.MaxJobs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
