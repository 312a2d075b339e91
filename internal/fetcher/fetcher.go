package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"kbcrawler/internal/processor"
	"kbcrawler/pkg/types"
)

// Fetcher retrieves and extracts a single page. Every failure is returned as *Error.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*types.Page, error)
}

// Error describes why a page could not be fetched.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrUnexpectedStatus = errors.New("unexpected http status")
	ErrUnsupportedType  = errors.New("unsupported content type")
	ErrBodyTooLarge     = errors.New("response body too large")
	ErrTooManyRedirects = errors.New("too many redirects")
)

func newError(rawURL string, status int, err error) *Error {
	return &Error{URL: rawURL, StatusCode: status, Err: err}
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent           string
	Headers             map[string]string
	Timeout             time.Duration
	MaxRedirects        int
	MaxBodyBytes        int64
	ProxyURL            string
	ReadabilityFallback bool
}

// HTTPFetcher implements Fetcher via net/http.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
	extract      processor.Options
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	maxRedirects := opts.MaxRedirects
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
		extract:      processor.Options{ReadabilityFallback: opts.ReadabilityFallback},
	}, nil
}

// Fetch downloads rawURL, follows redirects and extracts its content.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*types.Page, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(rawURL, 0, fmt.Errorf("parse url: %w", err))
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, newError(rawURL, 0, fmt.Errorf("unsupported scheme %q", target.Scheme))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, newError(rawURL, 0, fmt.Errorf("build request: %w", err))
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, newError(rawURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(rawURL, resp.StatusCode, ErrUnexpectedStatus)
	}
	contentType := resp.Header.Get("Content-Type")
	if !isHTML(contentType) {
		return nil, newError(rawURL, resp.StatusCode, fmt.Errorf("%w %q", ErrUnsupportedType, contentType))
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, newError(rawURL, resp.StatusCode, err)
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	doc, err := processor.Parse(body, finalURL, f.extract)
	if err != nil {
		return nil, newError(rawURL, resp.StatusCode, err)
	}

	return &types.Page{
		URL:         rawURL,
		FinalURL:    finalURL.String(),
		Title:       doc.Title,
		Content:     doc.Content,
		Links:       doc.Links,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		FetchedAt:   time.Now(),
		Latency:     time.Since(start),
	}, nil
}

// readBody undoes content encoding, enforces the size cap and converts to UTF-8.
func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	var closers []io.Closer

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(raw)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}

	utf8Reader, err := charset.NewReader(bytes.NewReader(raw), resp.Header.Get("Content-Type"))
	if err != nil {
		// Unknown declared charset; parse the bytes as they are.
		return raw, nil
	}
	body, err := io.ReadAll(utf8Reader)
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	return body, nil
}

func isHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	default:
		return false
	}
}

// Composite tries a renderer first and falls back to plain HTTP when rendering fails.
type Composite struct {
	renderer Fetcher
	fallback Fetcher
	logger   *slog.Logger
}

// NewComposite builds a composite fetcher. A nil renderer means HTTP only.
func NewComposite(renderer, fallback Fetcher, logger *slog.Logger) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{renderer: renderer, fallback: fallback, logger: logger}
}

func (c *Composite) Fetch(ctx context.Context, rawURL string) (*types.Page, error) {
	if c.renderer != nil {
		page, err := c.renderer.Fetch(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		c.logger.Warn("renderer failed, falling back to HTTP fetch", "url", rawURL, "error", err)
	}
	return c.fallback.Fetch(ctx, rawURL)
}
