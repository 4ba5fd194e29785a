package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-cards/models"
)

// ErrorKind classifies a failed fetch attempt.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindTimeout
	KindDNSFailure
	KindConnectionRefused
	KindConnectionReset
	KindClientError
	KindNotFound
	KindServerError
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindDNSFailure:
		return "dns_failure"
	case KindConnectionRefused:
		return "connection_refused"
	case KindConnectionReset:
		return "connection_reset"
	case KindClientError:
		return "client_error"
	case KindNotFound:
		return "not_found"
	case KindServerError:
		return "server_error"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Transient reports whether waiting may make the resource fetchable.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindDNSFailure, KindConnectionRefused,
		KindConnectionReset, KindServerError:
		return true
	default:
		return false
	}
}

var (
	// ErrProbeNegative marks a PDF whose existence probe failed. It is a silent
	// skip and never counts against the error budget.
	ErrProbeNegative = errors.New("pdf existence probe negative")
	// ErrIrrelevant marks a page rejected by the relevance gate.
	ErrIrrelevant = errors.New("page below relevance threshold")
)

// StatusError wraps a non-2xx HTTP response.
type StatusError struct {
	Code int
	URL  string
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http status %d for %s: %v", e.Code, e.URL, e.Err)
	}
	return fmt.Sprintf("http status %d for %s", e.Code, e.URL)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// ValidationError indicates a response that arrived but is not usable content.
type ValidationError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation: %s: %s", e.URL, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FatalError ends a run once the failure thresholds are exceeded.
type FatalError struct {
	Reason string
	Stats  models.ErrorStats
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s (total errors %d, max consecutive %d)",
		e.Reason, e.Stats.Total, e.Stats.MaxConsecutive)
}

// Classify maps a fetch error to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == http.StatusTooManyRequests:
			return KindRateLimited
		case status.Code == http.StatusNotFound:
			return KindNotFound
		case status.Code >= 500:
			return KindServerError
		case status.Code >= 400:
			return KindClientError
		default:
			return KindUnknown
		}
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return KindValidation
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNSFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnectionReset
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "no such host"):
		return KindDNSFailure
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return KindConnectionReset
	}
	return KindUnknown
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have failed with kind.
func ShouldRetry(kind ErrorKind, attempt, maxAttempts int) bool {
	if !kind.Transient() {
		return false
	}
	if kind == KindRateLimited {
		return attempt < maxAttempts+2
	}
	return attempt < maxAttempts
}

// RetryPolicy computes retry eligibility and backoff delays.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	rand func() float64
}

// DefaultMaxBackoff caps every backoff delay when MaxDelay is unset.
const DefaultMaxBackoff = 60 * time.Second

// ShouldRetry applies the package rule with the policy's attempt budget.
func (p RetryPolicy) ShouldRetry(kind ErrorKind, attempt int) bool {
	return ShouldRetry(kind, attempt, p.MaxAttempts)
}

// Backoff returns the delay before the attempt following attempt.
func (p RetryPolicy) Backoff(kind ErrorKind, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}

	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.Jitter > 0 {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		delay += r() * float64(p.Jitter)
	}
	delay *= backoffFactor(kind)

	if delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

func backoffFactor(kind ErrorKind) float64 {
	switch kind {
	case KindRateLimited:
		return 3
	case KindServerError:
		return 2
	case KindDNSFailure, KindConnectionRefused, KindConnectionReset:
		return 1.5
	default:
		return 1
	}
}

// ErrorTracker counts failures for one run. Consecutive counts are kept per
// (kind, URL) key and as a run-wide streak; any success clears the streak and
// the keys of the URL that succeeded.
type ErrorTracker struct {
	maxConsecutive int
	maxTotal       int

	mu          sync.Mutex
	consecutive map[string]int
	byKind      map[string]int
	streak      int
	peak        int
	total       int
}

// NewErrorTracker builds a tracker with the given thresholds. A threshold of
// zero disables that check.
func NewErrorTracker(maxConsecutive, maxTotal int) *ErrorTracker {
	return &ErrorTracker{
		maxConsecutive: maxConsecutive,
		maxTotal:       maxTotal,
		consecutive:    make(map[string]int),
		byKind:         make(map[string]int),
	}
}

func trackerKey(kind ErrorKind, url string) string {
	return kind.String() + "|" + url
}

// RecordFailure counts one failed attempt and returns a *FatalError once a
// threshold is exceeded.
func (t *ErrorTracker) RecordFailure(kind ErrorKind, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey(kind, url)
	t.consecutive[key]++
	t.byKind[kind.String()]++
	t.total++
	t.streak++

	run := t.consecutive[key]
	if t.streak > run {
		run = t.streak
	}
	if run > t.peak {
		t.peak = run
	}

	switch {
	case t.maxConsecutive > 0 && run > t.maxConsecutive:
		return &FatalError{
			Reason: fmt.Sprintf("%d consecutive failures exceed limit %d", run, t.maxConsecutive),
			Stats:  t.statsLocked(),
		}
	case t.maxTotal > 0 && t.total > t.maxTotal:
		return &FatalError{
			Reason: fmt.Sprintf("%d total errors exceed limit %d", t.total, t.maxTotal),
			Stats:  t.statsLocked(),
		}
	}
	return nil
}

// RecordSuccess clears the streak and every consecutive count for url.
func (t *ErrorTracker) RecordSuccess(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.streak = 0
	suffix := "|" + url
	for key := range t.consecutive {
		if strings.HasSuffix(key, suffix) {
			delete(t.consecutive, key)
		}
	}
}

// Stats returns a snapshot of the counters.
func (t *ErrorTracker) Stats() models.ErrorStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

func (t *ErrorTracker) statsLocked() models.ErrorStats {
	byKind := make(map[string]int, len(t.byKind))
	for k, v := range t.byKind {
		byKind[k] = v
	}
	return models.ErrorStats{Total: t.total, ByKind: byKind, MaxConsecutive: t.peak}
}
