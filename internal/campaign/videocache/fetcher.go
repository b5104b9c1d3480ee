package videocache

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultFetchTimeout = 5 * time.Minute

// HTTPFetcher downloads http(s) locators with resty, streaming the body
// instead of buffering it.
type HTTPFetcher struct {
	client *resty.Client
}

type HTTPFetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
}

func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "vidcast/1"
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", ua)
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, locator string, w io.Writer) (int64, error) {
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		return 0, fmt.Errorf("unsupported locator scheme: %q", locator)
	}
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(locator)
	if err != nil {
		return 0, err
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return io.Copy(w, body)
}
