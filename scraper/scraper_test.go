package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/pipeline"
	"github.com/aluiziolira/go-scrape-cards/store"
	"github.com/jarcoal/httpmock"
)

const bankRoot = "https://www.examplebank.test"

func newTestPipeline(t *testing.T, cfg *config.Config) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.NewPipeline(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func resultURLs(results []*models.FetchResult) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	return urls
}

func TestScraperRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPages = 3
	cfg.MaxPDFs = 1

	seed := htmlPage("Credit Cards", `
		<p>Explore every Platinum Credit Card we offer.</p>
		<a href="/credit-cards/platinum/terms">Terms</a>
		<a href="/credit-cards/platinum/fees-and-charges">Fees &amp; Charges</a>
		<a href="/credit-cards/platinum/benefits">Benefits</a>
		<a href="/credit-cards/platinum/rewards">Rewards</a>
		<a href="/credit-cards/platinum/apply">Apply now</a>
		<a href="/login">Login</a>
		<a href="/careers">Careers</a>
		<a href="/home-loan">Home Loan</a>
		<a href="https://othersite.test/credit-cards">Partner</a>
		<a href="/docs/platinum-mitc.pdf">MITC</a>
		<a href="/docs/brochure.pdf">Brochure</a>`)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testStartURL, htmlResponder(http.StatusOK, seed))
	transport.RegisterResponder(http.MethodGet, bankRoot+"/credit-cards/platinum/terms",
		htmlResponder(http.StatusOK, htmlPage("Terms", "Finance charges of 3.5% per month apply to the Platinum Credit Card.")))
	transport.RegisterResponder(http.MethodGet, bankRoot+"/credit-cards/platinum/fees-and-charges",
		htmlResponder(http.StatusOK, htmlPage("Fees", "Annual fee ₹500. Joining fee nil. Lounge access on every Platinum Credit Card.")))
	transport.RegisterResponder(http.MethodGet, bankRoot+"/credit-cards/platinum/benefits",
		htmlResponder(http.StatusOK, htmlPage("Benefits", "Complimentary golf rounds and lounge access with reward points on spends.")))
	transport.RegisterResponder(http.MethodGet, bankRoot+"/credit-cards/platinum/rewards",
		htmlResponder(http.StatusOK, htmlPage("Rewards", "Never fetched because the page budget is spent.")))
	transport.RegisterResponder(http.MethodHead, bankRoot+"/docs/platinum-mitc.pdf", httpmock.NewStringResponder(http.StatusOK, ""))
	transport.RegisterResponder(http.MethodGet, bankRoot+"/docs/platinum-mitc.pdf",
		pdfResponder([]byte("%PDF-1.4\nMost important terms and conditions\n%%EOF"), ""))

	ledger, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	extractor := &stubExtractor{pdfText: "Annual fee ₹999. Minimum age 21 years. Documents: PAN card and Aadhaar."}
	s, err := NewScraper(cfg,
		WithTransport(transport),
		WithTextExtractor(extractor),
		WithRecorder(ledger),
	)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	result, err := s.Run(context.Background(), newTestPipeline(t, cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != StateDone || result.FatalErr != nil {
		t.Fatalf("state = %s, fatal = %v", result.State, result.FatalErr)
	}
	wantTransitions := []string{StateSeed, StateLinksTriaged, StatePagesCrawling, StatePDFsCrawling, StateDone}
	if !reflect.DeepEqual(result.Transitions, wantTransitions) {
		t.Fatalf("transitions = %v, want %v", result.Transitions, wantTransitions)
	}

	wantURLs := []string{
		testStartURL,
		bankRoot + "/credit-cards/platinum/terms",
		bankRoot + "/credit-cards/platinum/fees-and-charges",
		bankRoot + "/credit-cards/platinum/benefits",
		bankRoot + "/docs/platinum-mitc.pdf",
	}
	if got := resultURLs(result.Results); !reflect.DeepEqual(got, wantURLs) {
		t.Fatalf("fetched = %v, want %v", got, wantURLs)
	}
	if result.PageCount != 4 || result.PDFCount != 1 {
		t.Fatalf("pages/pdfs = %d/%d, want 4/1", result.PageCount, result.PDFCount)
	}
	if calls := transport.GetCallCountInfo()["GET "+bankRoot+"/credit-cards/platinum/rewards"]; calls != 0 {
		t.Fatalf("page beyond the budget was fetched %d times", calls)
	}

	for _, r := range result.Results[1:4] {
		if r.RelevanceScore == nil || *r.RelevanceScore < cfg.Rules.Relevance.MinScore {
			t.Fatalf("page %s missing relevance score: %v", r.URL, r.RelevanceScore)
		}
	}

	fields := result.Record.Fields
	if fields["annual_fee"] != "₹500" {
		t.Fatalf("annual_fee = %v, want the html value ₹500", fields["annual_fee"])
	}
	eligibility, ok := fields["eligibility"].(map[string]any)
	if !ok || eligibility["min_age"] != "21" {
		t.Fatalf("eligibility = %#v", fields["eligibility"])
	}
	if len(result.Record.Sources) != 5 {
		t.Fatalf("sources = %d, want 5", len(result.Record.Sources))
	}
	if result.Completeness.TotalFields != len(cfg.Rules.Schema) || result.Completeness.FilledFields == 0 {
		t.Fatalf("unexpected completeness: %+v", result.Completeness)
	}

	run, err := ledger.Run(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("ledger run: %v", err)
	}
	if run.State != StateDone || run.StartURL != testStartURL {
		t.Fatalf("unexpected ledger run: %+v", run)
	}
	fetches, err := ledger.Fetches(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("ledger fetches: %v", err)
	}
	if len(fetches) != 5 {
		t.Fatalf("ledger fetches = %d, want 5", len(fetches))
	}
}

func TestScraperRelevanceGate(t *testing.T) {
	cfg := testConfig(t)

	seed := htmlPage("Credit Cards", `
		<p>Annual fee ₹500 on the Platinum Credit Card.</p>
		<a href="/offers/summer">Summer offers</a>`)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testStartURL, htmlResponder(http.StatusOK, seed))
	transport.RegisterResponder(http.MethodGet, bankRoot+"/offers/summer",
		htmlResponder(http.StatusOK, htmlPage("Offers", "Open a savings account this summer and enjoy a bonus on deposits.")))

	s, err := NewScraper(cfg, WithTransport(transport))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	p := newTestPipeline(t, cfg)
	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(result.Results))
	}
	offer := result.Results[1]
	if offer.Outcome != models.OutcomeSkip || !errors.Is(offer.Err, ErrIrrelevant) || offer.ErrorKind != "irrelevant" {
		t.Fatalf("expected irrelevant skip, got %s/%q: %v", offer.Outcome, offer.ErrorKind, offer.Err)
	}
	if offer.RelevanceScore == nil || *offer.RelevanceScore >= cfg.Rules.Relevance.MinScore {
		t.Fatalf("relevance score = %v", offer.RelevanceScore)
	}
	if got := p.Aggregator().Sources(); got != 1 {
		t.Fatalf("aggregated sources = %d, want only the seed", got)
	}
	if result.State != StateDone {
		t.Fatalf("irrelevant pages must not fail the run, state = %s", result.State)
	}
}

func TestScraperSeedFailure(t *testing.T) {
	cfg := testConfig(t)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testStartURL, htmlResponder(http.StatusNotFound, htmlPage("Missing", "The page you are looking for is gone.")))

	s, err := NewScraper(cfg, WithTransport(transport))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	result, err := s.Run(context.Background(), newTestPipeline(t, cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != StateDone {
		t.Fatalf("state = %s, want done", result.State)
	}
	if len(result.Results) != 1 || result.Results[0].ErrorKind != "not_found" {
		t.Fatalf("unexpected results: %+v", result.Results)
	}
	if len(result.Record.Fields) != 0 || result.Completeness.Percentage != 0 {
		t.Fatalf("expected an empty record, got %+v", result.Record.Fields)
	}
	if !reflect.DeepEqual(result.SkippedURLs, []string{testStartURL}) {
		t.Fatalf("skipped = %v", result.SkippedURLs)
	}
}

func TestScraperFatalErrorBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAttempts = 1
	cfg.MaxConsecutiveFailures = 2
	cfg.MaxPages = 5

	var links strings.Builder
	pages := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for _, name := range pages {
		links.WriteString(`<a href="/credit-cards/` + name + `">` + name + `</a>`)
	}
	links.WriteString(`<a href="/docs/mitc.pdf">MITC</a>`)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testStartURL, htmlResponder(http.StatusOK, htmlPage("Credit Cards", links.String())))
	for _, name := range pages {
		transport.RegisterResponder(http.MethodGet, bankRoot+"/credit-cards/"+name,
			htmlResponder(http.StatusInternalServerError, htmlPage("Error", "internal server error, please retry later")))
	}

	s, err := NewScraper(cfg, WithTransport(transport))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	result, err := s.Run(context.Background(), newTestPipeline(t, cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	var fatal *FatalError
	if !errors.As(result.FatalErr, &fatal) {
		t.Fatalf("expected FatalError, got %v", result.FatalErr)
	}
	if len(result.Results) != 4 {
		t.Fatalf("results = %d, want seed plus three failed pages", len(result.Results))
	}
	if last := result.Results[3]; last.Outcome != models.OutcomeFatal {
		t.Fatalf("last outcome = %s, want fatal", last.Outcome)
	}
	if len(result.SkippedURLs) != len(pages) {
		t.Fatalf("skipped = %v, want every page", result.SkippedURLs)
	}
	for _, state := range result.Transitions {
		if state == StatePDFsCrawling {
			t.Fatalf("pdf phase must not start after a fatal error")
		}
	}
	if calls := transport.GetCallCountInfo()["HEAD "+bankRoot+"/docs/mitc.pdf"]; calls != 0 {
		t.Fatalf("pdf probed %d times after fatal error", calls)
	}
	if result.Errors.Total != 3 {
		t.Fatalf("errors total = %d, want 3", result.Errors.Total)
	}
}

func TestScraperCancelledRun(t *testing.T) {
	cfg := testConfig(t)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testStartURL, htmlResponder(http.StatusOK, htmlPage("Cards", "Annual fee ₹500 for the Platinum Credit Card")))

	s, err := NewScraper(cfg, WithTransport(transport))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := s.Run(ctx, newTestPipeline(t, cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateFailed || !errors.Is(result.FatalErr, context.Canceled) {
		t.Fatalf("state = %s, fatal = %v", result.State, result.FatalErr)
	}
}

// scriptedFetcher serves canned results, optionally after a delay.
type scriptedFetcher struct {
	pages map[string]scriptedPage

	mu     sync.Mutex
	calls  []string
	starts []time.Time
}

type scriptedPage struct {
	text  string
	links []string
	delay time.Duration
}

func (f *scriptedFetcher) Fetch(ctx context.Context, rawURL string, kind models.ContentKind) *models.FetchResult {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()

	page, ok := f.pages[rawURL]
	if !ok {
		return &models.FetchResult{URL: rawURL, Kind: kind, Outcome: models.OutcomeSkip, ErrorKind: "not_found", Attempts: 1}
	}
	if err := sleepContext(ctx, page.delay); err != nil {
		return &models.FetchResult{URL: rawURL, Kind: kind, Outcome: models.OutcomeSkip, Err: err, Attempts: 1}
	}

	result := &models.FetchResult{
		URL:       rawURL,
		FinalURL:  rawURL,
		Kind:      kind,
		Outcome:   models.OutcomeOK,
		Text:      page.text,
		Attempts:  1,
		FetchedAt: time.Now(),
	}
	for _, href := range page.links {
		result.Links = append(result.Links, models.LinkCandidate{RawHref: href, PageURL: rawURL})
	}
	return result
}

func TestScraperAggregatesInCompletionOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 2

	fetcher := &scriptedFetcher{pages: map[string]scriptedPage{
		testStartURL: {
			text:  "Credit cards for every need",
			links: []string{"/credit-cards/platinum/fees", "/credit-cards/platinum/benefits"},
		},
		bankRoot + "/credit-cards/platinum/fees": {
			text:  "Annual fee ₹900 on the Platinum credit card",
			delay: 300 * time.Millisecond,
		},
		bankRoot + "/credit-cards/platinum/benefits": {
			text: "Annual fee ₹500 and lounge access on the Platinum credit card",
		},
	}}

	s, err := NewScraper(cfg, WithFetcher(fetcher))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	result, err := s.Run(context.Background(), newTestPipeline(t, cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		testStartURL,
		bankRoot + "/credit-cards/platinum/benefits",
		bankRoot + "/credit-cards/platinum/fees",
	}
	if got := resultURLs(result.Results); !reflect.DeepEqual(got, want) {
		t.Fatalf("completion order = %v, want %v", got, want)
	}
	if got := result.Record.Fields["annual_fee"]; got != "₹500" {
		t.Fatalf("annual_fee = %v, want the value of the first completed page", got)
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.calls) != 3 {
		t.Fatalf("fetch calls = %v", fetcher.calls)
	}
}

func TestScraperDelaySpacesConcurrentFetches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 3
	cfg.Delay = config.DurationFrom(100 * time.Millisecond)

	fetcher := &scriptedFetcher{pages: map[string]scriptedPage{
		testStartURL: {
			text: "Credit cards",
			links: []string{
				"/credit-cards/platinum/terms",
				"/credit-cards/platinum/fees",
				"/credit-cards/platinum/benefits",
			},
		},
		bankRoot + "/credit-cards/platinum/terms":    {text: "Interest rate 3.5% per month on the credit card"},
		bankRoot + "/credit-cards/platinum/fees":     {text: "Annual fee ₹500 on the credit card"},
		bankRoot + "/credit-cards/platinum/benefits": {text: "Lounge access on the credit card"},
	}}

	s, err := NewScraper(cfg, WithFetcher(fetcher))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	if _, err := s.Run(context.Background(), newTestPipeline(t, cfg)); err != nil {
		t.Fatalf("run: %v", err)
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.starts) != 4 {
		t.Fatalf("fetch calls = %v", fetcher.calls)
	}
	for i := 2; i < len(fetcher.starts); i++ {
		if gap := fetcher.starts[i].Sub(fetcher.starts[i-1]); gap < 90*time.Millisecond {
			t.Fatalf("fetch %d started %v after the previous one, want at least the configured delay", i, gap)
		}
	}
}

func TestScraperRunTimeoutInterruptsFetch(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		case <-time.After(3 * time.Second):
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage("Cards", "Annual fee ₹500")))
	}))
	defer server.Close()
	defer close(release)

	cfg := testConfig(t)
	cfg.StartURL = server.URL + "/credit-cards"
	cfg.BaseDomain = ""
	cfg.RunTimeout = config.DurationFrom(300 * time.Millisecond)
	cfg.Normalise()

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	start := time.Now()
	result, err := s.Run(context.Background(), newTestPipeline(t, cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run returned after %v, want the in-flight fetch cut off by the run timeout", elapsed)
	}
	if result.State != StateFailed || !errors.Is(result.FatalErr, context.DeadlineExceeded) {
		t.Fatalf("state = %s, fatal = %v", result.State, result.FatalErr)
	}
}

func TestScraperSchedulesByPriority(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPages = 2

	fetcher := &scriptedFetcher{pages: map[string]scriptedPage{
		testStartURL: {
			text: "Credit cards",
			links: []string{
				"/credit-cards/platinum/apply",
				"/credit-cards/platinum/rewards",
				"/credit-cards/platinum/terms",
				"/credit-cards/platinum/apply#form",
			},
		},
		bankRoot + "/credit-cards/platinum/terms":   {text: "Interest rate 3.5% per month on the credit card"},
		bankRoot + "/credit-cards/platinum/rewards": {text: "Reward points on every credit card spend"},
		bankRoot + "/credit-cards/platinum/apply":   {text: "Apply for a credit card with minimum income ₹25,000"},
	}}

	s, err := NewScraper(cfg, WithFetcher(fetcher))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	result, err := s.Run(context.Background(), newTestPipeline(t, cfg))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		testStartURL,
		bankRoot + "/credit-cards/platinum/terms",
		bankRoot + "/credit-cards/platinum/rewards",
	}
	if got := resultURLs(result.Results); !reflect.DeepEqual(got, want) {
		t.Fatalf("fetched = %v, want %v", got, want)
	}
}

func TestNewScraperRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartURL = "ftp://examplebank.test"
	if _, err := NewScraper(cfg); err == nil {
		t.Fatalf("expected error for invalid start url")
	}
}
