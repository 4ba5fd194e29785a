package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
)

type mapExtractor struct {
	fields map[string]map[string]any
}

func (m mapExtractor) Extract(_ string, sourceURL string, _ models.ContentKind) map[string]any {
	return m.fields[sourceURL]
}

type blockingExtractor struct {
	blockCh chan struct{}
}

func (b *blockingExtractor) Extract(string, string, models.ContentKind) map[string]any {
	<-b.blockCh
	return nil
}

func okResult(url, text string) *models.FetchResult {
	return &models.FetchResult{URL: url, Kind: models.KindHTML, Outcome: models.OutcomeOK, Text: text}
}

func TestPipelineAggregatesInSubmissionOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	extractor := mapExtractor{fields: map[string]map[string]any{
		"https://examplebank.test/b": {"annual_fee": "₹500"},
		"https://examplebank.test/a": {"annual_fee": "₹900"},
	}}

	p, err := NewPipeline(cfg, WithFieldExtractor(extractor))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()

	for _, r := range []*models.FetchResult{
		okResult("https://examplebank.test/b", "fees"),
		okResult("https://examplebank.test/a", "fees"),
	} {
		if err := p.Process(r); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := p.Aggregator().Merge().Fields["annual_fee"]; got != "₹500" {
		t.Fatalf("annual_fee = %v, want value of the first submitted source", got)
	}
}

func TestPipelineDedupAndSkips(t *testing.T) {
	cfg := config.DefaultConfig()
	p, err := NewPipeline(cfg, WithFieldExtractor(mapExtractor{}))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()

	redirected := okResult("https://examplebank.test/old", "text")
	redirected.FinalURL = "https://examplebank.test/cards"

	inputs := []*models.FetchResult{
		okResult("https://examplebank.test/cards", "text"),
		okResult("https://examplebank.test/cards", "text"),
		redirected,
		{URL: "https://examplebank.test/skip", Outcome: models.OutcomeSkip, Text: "text"},
		okResult("https://examplebank.test/empty", ""),
		nil,
	}
	for _, r := range inputs {
		if err := p.Process(r); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	metrics := p.GetMetrics()
	if got := metrics["processed_sources"].(int64); got != 1 {
		t.Fatalf("processed = %d, want 1", got)
	}
	rejected := metrics["rejected"].(map[string]int)
	if rejected["duplicate_url"] != 2 {
		t.Fatalf("duplicate rejections = %d, want 2", rejected["duplicate_url"])
	}
	if rejected["empty_text"] != 1 {
		t.Fatalf("empty text rejections = %d, want 1", rejected["empty_text"])
	}
	if got := p.Aggregator().Sources(); got != 1 {
		t.Fatalf("aggregated sources = %d, want 1", got)
	}
}

func TestPipelineProcessAfterClose(t *testing.T) {
	p, err := NewPipeline(config.DefaultConfig())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Process(okResult("https://examplebank.test/late", "text")); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPipelineCloseTimeout(t *testing.T) {
	extractor := &blockingExtractor{blockCh: make(chan struct{})}
	p, err := NewPipeline(config.DefaultConfig(),
		WithFieldExtractor(extractor),
		WithDrainTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()

	if err := p.Process(okResult("https://examplebank.test/slow", "text")); err != nil {
		t.Fatalf("process: %v", err)
	}

	start := time.Now()
	err = p.Close()
	if !errors.Is(err, ErrPipelineCloseTimeout) {
		t.Fatalf("expected ErrPipelineCloseTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close took %v, want about the drain timeout", elapsed)
	}
	close(extractor.blockCh)
}

func TestPipelineConcurrentProcess(t *testing.T) {
	p, err := NewPipeline(config.DefaultConfig(), WithFieldExtractor(mapExtractor{}), WithBufferSize(4))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := "https://examplebank.test/page/" + string(rune('a'+i))
			if err := p.Process(okResult(url, "text")); err != nil {
				t.Errorf("process: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := p.Aggregator().Sources(); got != 20 {
		t.Fatalf("aggregated sources = %d, want 20", got)
	}
}

func TestNewPipelineRejectsBadFieldRule(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Rules.Fields = []config.FieldRule{{Name: "broken", Pattern: "("}}
	if _, err := NewPipeline(cfg); err == nil {
		t.Fatalf("expected error for invalid field rule")
	}
}
