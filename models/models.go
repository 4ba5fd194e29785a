// Package models defines data structures shared by the crawler, the
// aggregation pipeline and the output writers.
package models

import "time"

// ContentKind identifies what a fetched resource is expected to be.
type ContentKind string

const (
	KindHTML ContentKind = "html"
	KindPDF  ContentKind = "pdf"
)

// DefaultCategory is assigned to links that match no category rule.
const DefaultCategory = "general"

// LinkCandidate is one anchor extracted from a page, before triage.
type LinkCandidate struct {
	RawHref      string `json:"raw_href"`
	CanonicalURL string `json:"canonical_url,omitempty"`
	AnchorText   string `json:"anchor_text,omitempty"`
	Title        string `json:"title,omitempty"`
	// PageURL is the page the anchor was found on; relative hrefs resolve
	// against it.
	PageURL string `json:"page_url"`
}

// ScoredLink is a triaged, canonical link ready to be scheduled.
type ScoredLink struct {
	URL           string    `json:"url"`
	PriorityScore int       `json:"priority_score"`
	Category      string    `json:"category"`
	IsPDF         bool      `json:"is_pdf"`
	AnchorText    string    `json:"anchor_text,omitempty"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}

// Outcome is the terminal state of one fetch.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeSkip
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeSkip:
		return "skip"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchResult is produced once per attempted resource.
type FetchResult struct {
	URL            string          `json:"url"`
	FinalURL       string          `json:"final_url,omitempty"`
	Kind           ContentKind     `json:"kind"`
	Outcome        Outcome         `json:"-"`
	Content        []byte          `json:"-"`
	Text           string          `json:"-"`
	Links          []LinkCandidate `json:"-"`
	RelevanceScore *int            `json:"relevance_score,omitempty"`
	LocalPath      string          `json:"local_path,omitempty"`
	Err            error           `json:"-"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	Attempts       int             `json:"attempts"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// OK reports whether the fetch produced usable content.
func (r *FetchResult) OK() bool {
	return r != nil && r.Outcome == OutcomeOK
}

// DomainBudget is a snapshot of the rate limiter state for one host.
type DomainBudget struct {
	Domain        string    `json:"domain"`
	Tokens        float64   `json:"tokens"`
	LastRefillAt  time.Time `json:"last_refill_at"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// SourceFieldSet holds the fields extracted from one source.
type SourceFieldSet struct {
	SourceType ContentKind    `json:"source_type"`
	SourceURL  string         `json:"source_url"`
	Fields     map[string]any `json:"fields"`
}

// AggregatedRecord is the merged view over every source.
type AggregatedRecord struct {
	Fields     map[string]any   `json:"fields"`
	FieldOrder []string         `json:"field_order"`
	Sources    []SourceFieldSet `json:"sources"`
}

// CompletenessReport describes how many schema fields are filled.
type CompletenessReport struct {
	// Fields lists the measured field names in schema order.
	Fields         []string        `json:"fields"`
	TotalFields    int             `json:"total_fields"`
	FilledFields   int             `json:"filled_fields"`
	Percentage     float64         `json:"percentage"`
	PerFieldStatus map[string]bool `json:"per_field_status"`
	Missing        []string        `json:"missing,omitempty"`
}

// ErrorStats summarises the failures observed during a run.
type ErrorStats struct {
	Total          int            `json:"total"`
	ByKind         map[string]int `json:"by_kind"`
	MaxConsecutive int            `json:"max_consecutive"`
}

// RunResult holds the overall result of a crawl run.
type RunResult struct {
	RunID        string             `json:"run_id"`
	StartURL     string             `json:"start_url"`
	State        string             `json:"state"`
	Transitions  []string           `json:"transitions"`
	Results      []*FetchResult     `json:"results"`
	Record       *AggregatedRecord  `json:"record"`
	Completeness CompletenessReport `json:"completeness"`
	Errors       ErrorStats         `json:"errors"`
	FatalErr     error              `json:"-"`
	SkippedURLs  []string           `json:"skipped_urls,omitempty"`
	RetryCount   int                `json:"retry_count"`
	PageCount    int                `json:"page_count"`
	PDFCount     int                `json:"pdf_count"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      time.Time          `json:"end_time"`
}

// Output is the document handed to the writers.
type Output struct {
	RunID        string             `json:"run_id"`
	StartURL     string             `json:"start_url"`
	State        string             `json:"state"`
	Record       *AggregatedRecord  `json:"record"`
	Completeness CompletenessReport `json:"completeness"`
	Errors       ErrorStats         `json:"errors"`
	Fatal        string             `json:"fatal,omitempty"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      time.Time          `json:"end_time"`
}

// NewOutput builds the writer document from a finished run.
func NewOutput(r *RunResult) *Output {
	out := &Output{
		RunID:        r.RunID,
		StartURL:     r.StartURL,
		State:        r.State,
		Record:       r.Record,
		Completeness: r.Completeness,
		Errors:       r.Errors,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
	}
	if r.FatalErr != nil {
		out.Fatal = r.FatalErr.Error()
	}
	return out
}
