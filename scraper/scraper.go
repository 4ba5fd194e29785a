// Package scraper drives a bounded crawl of one bank site: it fetches the
// entry page, triages its links, fetches the best pages and PDFs within
// budget and streams every usable source into the aggregation pipeline.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/parser"
	"github.com/aluiziolira/go-scrape-cards/pipeline"
	"github.com/aluiziolira/go-scrape-cards/triage"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Run states.
const (
	StateSeed          = "seed"
	StateLinksTriaged  = "links_triaged"
	StatePagesCrawling = "pages_crawling"
	StatePDFsCrawling  = "pdfs_crawling"
	StateDone          = "done"
	StateFailed        = "failed"
)

// Recorder persists run progress. Recording failures are logged and never
// affect the crawl.
type Recorder interface {
	BeginRun(ctx context.Context, runID, startURL string, started time.Time) error
	RecordFetch(ctx context.Context, runID string, result *models.FetchResult) error
	FinishRun(ctx context.Context, result *models.RunResult) error
}

// Option customises a Scraper.
type Option func(*Scraper)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f ResourceFetcher) Option {
	return func(s *Scraper) {
		s.fetcher = f
	}
}

// WithTransport routes every request of the default fetcher through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Scraper) {
		s.transport = rt
	}
}

// WithTextExtractor replaces the HTML and PDF text extractor.
func WithTextExtractor(e parser.TextExtractor) Option {
	return func(s *Scraper) {
		s.extractor = e
	}
}

// WithRecorder attaches a run ledger.
func WithRecorder(r Recorder) Option {
	return func(s *Scraper) {
		s.recorder = r
	}
}

// WithMetrics replaces the metrics bundle.
func WithMetrics(m *Metrics) Option {
	return func(s *Scraper) {
		s.Metrics = m
	}
}

// Scraper coordinates one crawl run.
type Scraper struct {
	cfg       *config.Config
	fetcher   ResourceFetcher
	triager   *triage.Triager
	relevance *triage.Relevance
	limiter   *DomainLimiter
	tracker   *ErrorTracker
	recorder  Recorder
	transport http.RoundTripper
	extractor parser.TextExtractor
	visited   *lru.Cache[string, struct{}]
	Metrics   *Metrics

	mu     sync.Mutex
	fatal  error
	result *models.RunResult
}

// NewScraper builds a scraper configured from cfg.
func NewScraper(cfg *config.Config, opts ...Option) (*Scraper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	triager, err := triage.NewTriager(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("build triager: %w", err)
	}
	relevance, err := triage.NewRelevance(cfg.Rules.Relevance)
	if err != nil {
		return nil, fmt.Errorf("build relevance filter: %w", err)
	}
	visited, err := lru.New[string, struct{}](cfg.VisitedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create visited cache: %w", err)
	}

	s := &Scraper{
		cfg:       cfg,
		triager:   triager,
		relevance: relevance,
		limiter:   NewDomainLimiter(cfg.RateLimit),
		tracker:   NewErrorTracker(cfg.MaxConsecutiveFailures, cfg.MaxTotalErrors),
		visited:   visited,
		Metrics:   NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.fetcher == nil {
		fetcher, err := NewFetcher(cfg, FetcherOptions{
			Limiter:   s.limiter,
			Tracker:   s.tracker,
			Extractor: s.extractor,
			Metrics:   s.Metrics,
			Transport: s.transport,
		})
		if err != nil {
			return nil, fmt.Errorf("build fetcher: %w", err)
		}
		s.fetcher = fetcher
	}
	return s, nil
}

// Limiter exposes the per-domain rate limiter shared by the run.
func (s *Scraper) Limiter() *DomainLimiter {
	return s.limiter
}

// Run crawls the configured site and streams usable sources into p. It closes
// p once every fetch has finished and fills the record and completeness of the
// returned result from p's aggregator. A fatal error budget or an expired run
// context ends the run in StateFailed with FatalErr set; the error return is
// reserved for setup failures.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}

	seedURL, ok := s.triager.Normalizer().Normalize(s.cfg.StartURL, s.cfg.StartURL)
	if !ok {
		return nil, fmt.Errorf("start URL %q cannot be normalised", s.cfg.StartURL)
	}

	if s.cfg.RunTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout.Duration)
		defer cancel()
	}

	result := &models.RunResult{
		RunID:     uuid.NewString(),
		StartURL:  seedURL,
		StartTime: time.Now(),
	}
	s.mu.Lock()
	s.result = result
	s.fatal = nil
	s.mu.Unlock()

	p.Start()
	s.recordBegin(ctx, result)

	s.transition(StateSeed)
	s.visited.Add(seedURL, struct{}{})
	seed := s.fetcher.Fetch(ctx, seedURL, models.KindHTML)
	if seed.OK() {
		score := s.relevance.Score(seed.Text, seed.URL)
		seed.RelevanceScore = &score
	}
	s.collect(ctx, p, seed)

	if !s.stopped(ctx) {
		var links triage.Result
		if seed.OK() {
			links = s.triager.Triage(seed.Links, s.cfg.BaseDomain)
		} else {
			slog.Warn("seed fetch failed, nothing to triage", slog.String("url", seedURL), slog.Any("error", seed.Err))
		}
		s.transition(StateLinksTriaged)
		slog.Info("links triaged",
			slog.Int("pages", len(links.Internal)),
			slog.Int("pdfs", len(links.PDFs)),
			slog.Int("dropped", links.Dropped),
		)

		pages := s.schedule(links.Internal, s.cfg.MaxPages)
		pdfs := s.schedule(links.PDFs, s.cfg.MaxPDFs)

		s.transition(StatePagesCrawling)
		s.crawlPhase(ctx, p, pages, models.KindHTML)

		if !s.stopped(ctx) {
			s.transition(StatePDFsCrawling)
			s.crawlPhase(ctx, p, pdfs, models.KindPDF)
		}
	}

	if err := p.Close(); err != nil {
		slog.Error("pipeline close", slog.Any("error", err))
		if errors.Is(err, pipeline.ErrPipelineCloseTimeout) {
			s.setFatal(err)
		}
	}

	if err := s.fatalErr(ctx); err != nil {
		result.FatalErr = err
		s.transition(StateFailed)
	} else {
		s.transition(StateDone)
	}

	agg := p.Aggregator()
	result.Record = agg.Merge()
	result.Completeness = agg.Completeness()
	result.Errors = s.tracker.Stats()
	result.EndTime = time.Now()

	s.recordFinish(result)
	slog.Info("run finished",
		slog.String("run_id", result.RunID),
		slog.String("state", result.State),
		slog.Int("results", len(result.Results)),
		slog.Float64("completeness", result.Completeness.Percentage),
	)
	return result, nil
}

// schedule sorts links by priority, stable so discovery order breaks ties,
// drops URLs already scheduled in this run and keeps at most limit.
func (s *Scraper) schedule(links []models.ScoredLink, limit int) []models.ScoredLink {
	sorted := make([]models.ScoredLink, len(links))
	copy(sorted, links)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PriorityScore > sorted[j].PriorityScore
	})

	out := make([]models.ScoredLink, 0, limit)
	for _, link := range sorted {
		if len(out) >= limit {
			break
		}
		if s.visited.Contains(link.URL) {
			continue
		}
		s.visited.Add(link.URL, struct{}{})
		out = append(out, link)
	}
	return out
}

func (s *Scraper) crawlPhase(ctx context.Context, p *pipeline.Pipeline, links []models.ScoredLink, kind models.ContentKind) {
	if len(links) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	// The delay runs in the issuing loop so it separates consecutive fetch
	// starts regardless of how many workers are free.
	for i, link := range links {
		if i > 0 {
			if err := sleepContext(ctx, s.delay()); err != nil {
				s.skipUnissued(links[i:])
				break
			}
		}
		if s.stopped(ctx) {
			s.skipUnissued(links[i:])
			break
		}
		g.Go(func() error {
			if s.stopped(ctx) {
				s.skipUnissued([]models.ScoredLink{link})
				return nil
			}

			res := s.fetcher.Fetch(ctx, link.URL, kind)
			if kind == models.KindHTML {
				s.gate(res)
			}
			s.collect(ctx, p, res)
			return nil
		})
	}
	g.Wait()
}

// gate applies the relevance filter to a fetched internal page.
func (s *Scraper) gate(res *models.FetchResult) {
	if !res.OK() {
		return
	}
	score := s.relevance.Score(res.Text, res.URL)
	res.RelevanceScore = &score
	if s.relevance.Accept(score) {
		return
	}
	res.Outcome = models.OutcomeSkip
	res.Err = ErrIrrelevant
	res.ErrorKind = "irrelevant"
	s.Metrics.IncSkip("irrelevant")
	slog.Info("page rejected as irrelevant",
		slog.String("url", res.URL),
		slog.Int("score", score),
		slog.Int("min_score", s.relevance.MinScore()),
	)
}

// collect records a finished fetch and forwards it to the pipeline. Holding
// the lock across both keeps the result list and the aggregation order equal
// to fetch-completion order.
func (s *Scraper) collect(ctx context.Context, p *pipeline.Pipeline, res *models.FetchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.result
	result.Results = append(result.Results, res)
	if res.Attempts > 1 {
		result.RetryCount += res.Attempts - 1
	}

	switch res.Outcome {
	case models.OutcomeOK:
		if res.Kind == models.KindPDF {
			result.PDFCount++
		} else {
			result.PageCount++
		}
		if err := p.Process(res); err != nil {
			slog.Error("pipeline process error", slog.String("url", res.URL), slog.Any("error", err))
		} else {
			s.Metrics.IncSources()
		}
	case models.OutcomeSkip:
		result.SkippedURLs = append(result.SkippedURLs, res.URL)
	case models.OutcomeFatal:
		result.SkippedURLs = append(result.SkippedURLs, res.URL)
		if s.fatal == nil {
			s.fatal = res.Err
		}
	}

	if s.recorder != nil {
		if err := s.recorder.RecordFetch(context.WithoutCancel(ctx), result.RunID, res); err != nil {
			slog.Warn("record fetch", slog.String("url", res.URL), slog.Any("error", err))
		}
	}
}

func (s *Scraper) skipUnissued(links []models.ScoredLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range links {
		s.result.SkippedURLs = append(s.result.SkippedURLs, link.URL)
	}
}

func (s *Scraper) transition(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.State = state
	s.result.Transitions = append(s.result.Transitions, state)
	slog.Debug("run state", slog.String("run_id", s.result.RunID), slog.String("state", state))
}

func (s *Scraper) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal != nil
}

func (s *Scraper) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

func (s *Scraper) fatalErr(ctx context.Context) error {
	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	return nil
}

func (s *Scraper) delay() time.Duration {
	d := s.cfg.Delay.Duration
	if jitter := s.cfg.RandomDelay.Duration; jitter > 0 {
		d += rand.N(jitter)
	}
	return d
}

func (s *Scraper) recordBegin(ctx context.Context, result *models.RunResult) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.BeginRun(ctx, result.RunID, result.StartURL, result.StartTime); err != nil {
		slog.Warn("record run start", slog.Any("error", err))
	}
}

// recordFinish uses a fresh context so the ledger is completed even when the
// run context has expired.
func (s *Scraper) recordFinish(result *models.RunResult) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.FinishRun(ctx, result); err != nil {
		slog.Warn("record run finish", slog.Any("error", err))
	}
}
