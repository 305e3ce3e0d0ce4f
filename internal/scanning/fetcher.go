package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anstrom/camwatch/internal/errors"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultUserAgent    = "libcurl-agent/1.0"
	DefaultMaxRedirects = 5
	DefaultMaxBodyBytes = 1 << 20

	readBufferSize = 4 << 10
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/anstrom/camwatch/internal/scanning Fetcher

// Fetcher retrieves a target and streams its body to onChunk. Returning
// false from onChunk stops the transfer early without error.
type Fetcher interface {
	Fetch(ctx context.Context, url string, onChunk func([]byte) bool) (FetchInfo, error)
}

// FetchInfo describes a completed transfer.
type FetchInfo struct {
	StatusCode  int
	ContentType string
	FinalURL    string
	Bytes       int64
}

// FetcherConfig controls HTTPFetcher.
type FetcherConfig struct {
	Timeout         time.Duration
	UserAgent       string
	FollowRedirects bool
	MaxRedirects    int
	// MaxBodyBytes stops reading after this many bytes. Zero means the default.
	MaxBodyBytes int64
	Transport    http.RoundTripper
}

// DefaultFetcherConfig returns the stock fetch settings.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:         DefaultTimeout,
		UserAgent:       DefaultUserAgent,
		FollowRedirects: true,
		MaxRedirects:    DefaultMaxRedirects,
		MaxBodyBytes:    DefaultMaxBodyBytes,
	}
}

// HTTPFetcher is the net/http implementation of Fetcher.
type HTTPFetcher struct {
	cfg    FetcherConfig
	client *http.Client
}

// NewHTTPFetcher builds a fetcher. Zero fields take defaults.
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	def := DefaultFetcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: cfg.Transport,
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
		}
		req.Header.Set("User-Agent", cfg.UserAgent)
		return nil
	}

	return &HTTPFetcher{cfg: cfg, client: client}
}

// Fetch issues a GET for target. Any status code is a successful fetch;
// only transport failures are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, target string, onChunk func([]byte) bool) (FetchInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchInfo{}, errors.ErrInvalidTarget(target)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchInfo{}, classifyTransportError(ctx, target, err)
	}
	defer resp.Body.Close()

	info := FetchInfo{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}

	body := io.LimitReader(resp.Body, f.cfg.MaxBodyBytes)
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			info.Bytes += int64(n)
			if onChunk != nil && !onChunk(buf[:n]) {
				return info, nil
			}
		}
		if readErr == io.EOF {
			return info, nil
		}
		if readErr != nil {
			return info, classifyTransportError(ctx, target, readErr)
		}
	}
}

func classifyTransportError(ctx context.Context, target string, err error) error {
	switch {
	case stderrors.Is(ctx.Err(), context.Canceled):
		return errors.WrapWithTarget(errors.CodeCanceled, "fetch canceled", target, err)
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded), isTimeout(err):
		return errors.WrapWithTarget(errors.CodeTimeout, "fetch timed out", target, err)
	default:
		return errors.ErrNetwork(target, err)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}
