// Package pipeline aggregates fetched sources into one record and writes the
// final output document.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when queued sources are not drained
	// within the drain timeout.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

const (
	defaultBufferSize   = 64
	defaultDrainTimeout = 30 * time.Second
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(out *models.Output) error
	Close() error
	Validate() error
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithFieldExtractor replaces the rule-based field extractor.
func WithFieldExtractor(e parser.FieldExtractor) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.extractor = e
		}
	}
}

// WithAggregator replaces the aggregator built from the config schema.
func WithAggregator(a *Aggregator) Option {
	return func(p *Pipeline) {
		if a != nil {
			p.aggregator = a
		}
	}
}

// WithDrainTimeout bounds how long Close waits for queued sources. Zero waits
// indefinitely.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.drainTimeout = d
	}
}

// WithBufferSize sets the capacity of the input queue.
func WithBufferSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// Pipeline feeds fetched sources to the aggregator one at a time, in the
// order they are submitted.
type Pipeline struct {
	aggregator   *Aggregator
	extractor    parser.FieldExtractor
	input        chan *models.FetchResult
	bufferSize   int
	drainTimeout time.Duration

	wg   sync.WaitGroup
	seen *lru.Cache[string, struct{}]

	metrics metrics

	mu      sync.Mutex // guards closed/err/started
	closed  bool
	started bool
	err     error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline from the field rules and schema in cfg.
func NewPipeline(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	p := &Pipeline{
		bufferSize:   defaultBufferSize,
		drainTimeout: defaultDrainTimeout,
		metrics:      newMetrics(),
		shutdown:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.extractor == nil {
		extractor, err := parser.NewRuleExtractor(cfg.Rules.Fields)
		if err != nil {
			return nil, fmt.Errorf("build field extractor: %w", err)
		}
		p.extractor = extractor
	}
	if p.aggregator == nil {
		p.aggregator = NewAggregator(cfg.Rules.Schema)
	}

	size := cfg.VisitedCacheSize
	if size <= 0 {
		size = 1024
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	p.seen = seen
	p.input = make(chan *models.FetchResult, p.bufferSize)
	return p, nil
}

// Start launches the aggregation worker. Aggregation is sequential so the
// first non-empty value of a field is the one submitted first.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.worker()
}

// Process enqueues a successful fetch result. Skipped and fatal results are
// ignored.
func (p *Pipeline) Process(result *models.FetchResult) error {
	if !result.OK() {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}
	return p.enqueue(result)
}

// Close stops accepting sources and waits for queued ones to be aggregated.
// It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.input)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if p.drainTimeout <= 0 {
		<-done
		return p.Err()
	}

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return p.Err()
	case <-timer.C:
		return ErrPipelineCloseTimeout
	}
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Aggregator exposes the aggregator fed by the pipeline.
func (p *Pipeline) Aggregator() *Aggregator {
	return p.aggregator
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("sources", metrics["processed_sources"].(int64)),
					slog.Int("rejected", len(metrics["rejected"].(map[string]int))),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for result := range p.input {
		if !p.admit(result) {
			continue
		}
		fields := p.extractor.Extract(result.Text, result.URL, result.Kind)
		p.aggregator.AddSource(fields, result.Kind, result.URL)
		p.metrics.incrementProcessed()

		slog.Debug("source aggregated",
			slog.String("url", result.URL),
			slog.String("kind", string(result.Kind)),
			slog.Int("fields", len(fields)),
		)
	}
}

// admit drops results whose URL or final URL was already aggregated, which
// also catches pages that redirect to one another.
func (p *Pipeline) admit(result *models.FetchResult) bool {
	if result.Text == "" {
		p.metrics.addRejected("empty_text")
		return false
	}

	keys := []string{result.URL}
	if result.FinalURL != "" && result.FinalURL != result.URL {
		keys = append(keys, result.FinalURL)
	}
	for _, key := range keys {
		if p.seen.Contains(key) {
			p.metrics.addRejected("duplicate_url")
			return false
		}
	}
	for _, key := range keys {
		p.seen.Add(key, struct{}{})
	}
	return true
}

func (p *Pipeline) enqueue(result *models.FetchResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.input <- result:
		return nil
	}
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu        *sync.Mutex
	processed int64
	rejected  map[string]int
}

func newMetrics() metrics {
	return metrics{
		mu:       &sync.Mutex{},
		rejected: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	rejected := make(map[string]int, len(m.rejected))
	for k, v := range m.rejected {
		rejected[k] = v
	}

	return map[string]interface{}{
		"processed_sources": m.processed,
		"rejected":          rejected,
	}
}
