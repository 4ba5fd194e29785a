package scraper

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/parser"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
)

// ResourceFetcher fetches one resource and always returns a terminal result.
type ResourceFetcher interface {
	Fetch(ctx context.Context, rawURL string, kind models.ContentKind) *models.FetchResult
}

var pdfSignature = []byte("%PDF-")

// FetcherOptions carries the collaborators of a Fetcher. Nil fields get
// defaults derived from the config.
type FetcherOptions struct {
	Limiter   *DomainLimiter
	Tracker   *ErrorTracker
	Extractor parser.TextExtractor
	Metrics   *Metrics
	Transport http.RoundTripper
}

// Fetcher performs rate-limited, retried fetches of HTML pages and PDFs.
type Fetcher struct {
	cfg       *config.Config
	transport http.RoundTripper
	client    *http.Client
	limiter   *DomainLimiter
	tracker   *ErrorTracker
	policy    RetryPolicy
	extractor parser.TextExtractor
	metrics   *Metrics
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config, opts FetcherOptions) (*Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	transport := opts.Transport
	if transport == nil {
		transport = defaultTransport(cfg.Timeout.Duration)
	}

	f := &Fetcher{
		cfg:       cfg,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: cfg.Timeout.Duration},
		limiter:   opts.Limiter,
		tracker:   opts.Tracker,
		extractor: opts.Extractor,
		metrics:   opts.Metrics,
		policy: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay.Duration,
			MaxDelay:    cfg.RetryMaxDelay.Duration,
			Jitter:      cfg.RetryJitter.Duration,
		},
	}
	if f.limiter == nil {
		f.limiter = NewDomainLimiter(cfg.RateLimit)
	}
	if f.tracker == nil {
		f.tracker = NewErrorTracker(cfg.MaxConsecutiveFailures, cfg.MaxTotalErrors)
	}
	if f.extractor == nil {
		f.extractor = parser.DefaultExtractor{}
	}
	return f, nil
}

func defaultTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Fetch retrieves rawURL as kind. Failures never escape as errors: the result
// carries OutcomeSkip or, once the error budget is exhausted, OutcomeFatal.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, kind models.ContentKind) *models.FetchResult {
	result := &models.FetchResult{URL: rawURL, Kind: kind}
	host := parser.Hostname(rawURL)

	if kind == models.KindPDF {
		if err := f.probePDF(ctx, rawURL, host); err != nil {
			return f.finishSkip(result, err, "probe")
		}
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		if err := f.acquire(ctx, host); err != nil {
			return f.finishSkip(result, err, "cancelled")
		}

		start := time.Now()
		var err error
		if kind == models.KindPDF {
			err = f.fetchPDF(ctx, rawURL, result)
		} else {
			err = f.fetchHTML(ctx, rawURL, result)
		}
		f.metrics.ObserveDuration(string(kind), time.Since(start))

		if err == nil {
			f.tracker.RecordSuccess(rawURL)
			result.Outcome = models.OutcomeOK
			result.Err = nil
			result.ErrorKind = ""
			result.FetchedAt = time.Now()
			f.metrics.IncRequest(string(kind), models.OutcomeOK.String())
			return result
		}
		if ctx.Err() != nil {
			return f.finishSkip(result, ctx.Err(), "cancelled")
		}

		errKind := Classify(err)
		result.Err = err
		result.ErrorKind = errKind.String()
		f.metrics.IncError(errKind.String())

		if fatal := f.tracker.RecordFailure(errKind, rawURL); fatal != nil {
			result.Outcome = models.OutcomeFatal
			result.Err = fatal
			result.FetchedAt = time.Now()
			f.metrics.IncRequest(string(kind), models.OutcomeFatal.String())
			slog.Error("error budget exhausted",
				slog.String("url", rawURL),
				slog.String("kind", errKind.String()),
				slog.Any("error", fatal),
			)
			return result
		}

		if !f.policy.ShouldRetry(errKind, attempt) {
			slog.Warn("fetch skipped",
				slog.String("url", rawURL),
				slog.String("kind", errKind.String()),
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			return f.finishSkip(result, err, errKind.String())
		}

		delay := f.policy.Backoff(errKind, attempt)
		f.metrics.IncRetries()
		slog.Debug("retrying fetch",
			slog.String("url", rawURL),
			slog.String("kind", errKind.String()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return f.finishSkip(result, err, "cancelled")
		}
	}
}

func (f *Fetcher) finishSkip(result *models.FetchResult, err error, reason string) *models.FetchResult {
	result.Outcome = models.OutcomeSkip
	if result.Err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result.Err = err
	}
	result.FetchedAt = time.Now()
	f.metrics.IncRequest(string(result.Kind), models.OutcomeSkip.String())
	f.metrics.IncSkip(reason)
	return result
}

func (f *Fetcher) acquire(ctx context.Context, host string) error {
	start := time.Now()
	err := f.limiter.Acquire(ctx, host)
	f.metrics.ObserveLimiterWait(time.Since(start))
	return err
}

// newCollector builds a collector for one attempt. Collector clones share
// their HTTP backend, so each attempt gets its own collector whose transport
// binds requests to ctx.
func (f *Fetcher) newCollector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(colly.UserAgent(f.cfg.UserAgent))
	c.SetRequestTimeout(f.cfg.Timeout.Duration)
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.MaxBodySize = f.cfg.MaxHTMLBytes
	c.WithTransport(&contextTransport{ctx: ctx, next: f.transport})
	return c
}

// contextTransport attaches a context to every request, since colly's Visit
// takes none.
type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(req.WithContext(t.ctx))
}

func (f *Fetcher) fetchHTML(ctx context.Context, rawURL string, result *models.FetchResult) error {
	if f.cfg.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout.Duration)
		defer cancel()
	}
	c := f.newCollector(ctx)

	var (
		status   int
		body     []byte
		finalURL string
		links    []models.LinkCandidate
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
		finalURL = r.Request.URL.String()
	})
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		links = append(links, models.LinkCandidate{
			RawHref:    e.Attr("href"),
			AnchorText: parser.CollapseWhitespace(e.Text),
			Title:      strings.TrimSpace(e.Attr("title")),
			PageURL:    e.Request.URL.String(),
		})
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	err := c.Visit(rawURL)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if status >= http.StatusMultipleChoices {
		return &StatusError{Code: status, URL: rawURL, Err: err}
	}
	if err != nil {
		return err
	}

	if len(body) < f.cfg.MinHTMLBytes || !bytes.Contains(body, []byte("<")) || !bytes.Contains(body, []byte(">")) {
		return &ValidationError{URL: rawURL, Reason: fmt.Sprintf("body of %d bytes is not html", len(body))}
	}
	text, err := f.extractor.HTMLText(body)
	if err != nil {
		return &ValidationError{URL: rawURL, Reason: "extract text", Err: err}
	}

	if finalURL == "" {
		finalURL = rawURL
	}
	result.FinalURL = finalURL
	result.Content = body
	result.Text = text
	result.Links = links
	return nil
}

// probePDF issues a HEAD request. Transport failures let the download proceed
// so the retry policy can handle them; negative statuses skip the PDF.
func (f *Fetcher) probePDF(ctx context.Context, rawURL, host string) error {
	if err := f.acquire(ctx, host); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("pdf probe failed, downloading anyway", slog.String("url", rawURL), slog.Any("error", err))
		return nil
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotImplemented:
		return nil
	default:
		slog.Debug("pdf probe negative", slog.String("url", rawURL), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d", ErrProbeNegative, resp.StatusCode)
	}
}

func (f *Fetcher) fetchPDF(ctx context.Context, rawURL string, result *models.FetchResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &ValidationError{URL: rawURL, Reason: "build request", Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/pdf,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	if resp.ContentLength > f.cfg.MaxPDFBytes {
		return &ValidationError{URL: rawURL, Reason: fmt.Sprintf("declared size %d exceeds %d", resp.ContentLength, f.cfg.MaxPDFBytes)}
	}

	reader, err := decodeBody(resp)
	if err != nil {
		return &ValidationError{URL: rawURL, Reason: "decode body", Err: err}
	}

	path, err := f.download(rawURL, reader)
	if err != nil {
		return err
	}

	text, err := f.extractor.PDFText(path)
	if err != nil {
		os.Remove(path)
		return &ValidationError{URL: rawURL, Reason: "extract text", Err: err}
	}

	if f.cfg.KeepPDFs {
		result.LocalPath = path
	} else if err := os.Remove(path); err != nil {
		slog.Warn("remove pdf", slog.String("path", path), slog.Any("error", err))
	}

	result.FinalURL = rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		result.FinalURL = resp.Request.URL.String()
	}
	result.Text = text
	return nil
}

// download streams reader into a temp file, aborting once MaxPDFBytes is
// exceeded. The file is removed on any error.
func (f *Fetcher) download(rawURL string, reader io.Reader) (path string, err error) {
	file, err := os.CreateTemp(f.cfg.PDFDir, "card-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create pdf file: %w", err)
	}
	path = file.Name()
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close pdf file: %w", cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	limit := f.cfg.MaxPDFBytes
	head := &prefixWriter{max: len(pdfSignature)}
	n, err := io.Copy(io.MultiWriter(file, head), io.LimitReader(reader, limit+1))
	if err != nil {
		return "", err
	}
	if n > limit {
		return "", &ValidationError{URL: rawURL, Reason: fmt.Sprintf("pdf exceeds %d bytes", limit)}
	}
	if n < f.cfg.MinPDFBytes {
		return "", &ValidationError{URL: rawURL, Reason: fmt.Sprintf("pdf of %d bytes is below minimum %d", n, f.cfg.MinPDFBytes)}
	}
	if !bytes.HasPrefix(head.buf, pdfSignature) {
		return "", &ValidationError{URL: rawURL, Reason: "missing pdf signature"}
	}
	return path, nil
}

// prefixWriter keeps the first max bytes written to it.
type prefixWriter struct {
	max int
	buf []byte
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	if room := w.max - len(w.buf); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	return len(p), nil
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "", "identity":
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
