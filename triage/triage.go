// Package triage scores, filters, categorises and partitions discovered links,
// and scores fetched pages for topical relevance.
package triage

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/parser"
)

type weighted struct {
	re     *regexp.Regexp
	weight int
}

type category struct {
	re   *regexp.Regexp
	name string
}

// Result partitions triaged links. Both slices keep first-seen order.
type Result struct {
	Internal []models.ScoredLink
	PDFs     []models.ScoredLink
	// Dropped counts candidates removed by normalisation, domain scope or
	// ignore patterns.
	Dropped int
}

// Triager applies the configured ignore, priority and category tables.
type Triager struct {
	normalizer *parser.Normalizer
	ignore     []*regexp.Regexp
	priority   []weighted
	categories []category
	now        func() time.Time
}

// NewTriager compiles the rule tables.
func NewTriager(rules config.Rules) (*Triager, error) {
	normalizer, err := parser.NewNormalizer(rules)
	if err != nil {
		return nil, err
	}
	t := &Triager{normalizer: normalizer, now: time.Now}

	for _, pattern := range rules.IgnorePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		t.ignore = append(t.ignore, re)
	}
	for _, rule := range rules.PriorityPatterns {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile priority pattern %q: %w", rule.Pattern, err)
		}
		t.priority = append(t.priority, weighted{re: re, weight: rule.Weight})
	}
	for _, rule := range rules.Categories {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile category pattern %q: %w", rule.Pattern, err)
		}
		t.categories = append(t.categories, category{re: re, name: rule.Category})
	}
	return t, nil
}

// Normalizer exposes the normaliser the triager canonicalises with.
func (t *Triager) Normalizer() *parser.Normalizer {
	return t.normalizer
}

// Triage canonicalises links, keeps those inside baseDomain (or a subdomain)
// that no ignore pattern matches, scores and categorises them, removes
// duplicates and splits pages from PDFs.
func (t *Triager) Triage(links []models.LinkCandidate, baseDomain string) Result {
	baseDomain = config.BaseDomainOf(baseDomain)

	var (
		result  Result
		ordered []models.ScoredLink
		index   = make(map[string]int, len(links))
	)

	for _, link := range links {
		canonical, ok := t.normalizer.Normalize(link.RawHref, link.PageURL)
		if !ok {
			result.Dropped++
			continue
		}
		if !InDomain(parser.Hostname(canonical), baseDomain) || t.ignored(canonical) {
			result.Dropped++
			continue
		}

		scored := models.ScoredLink{
			URL:           canonical,
			PriorityScore: t.Priority(canonical),
			Category:      t.Category(canonical, link.AnchorText),
			IsPDF:         parser.IsPDF(canonical),
			AnchorText:    strings.TrimSpace(link.AnchorText),
			DiscoveredAt:  t.now(),
		}
		if i, dup := index[canonical]; dup {
			ordered[i] = scored
			continue
		}
		index[canonical] = len(ordered)
		ordered = append(ordered, scored)
	}

	for _, link := range ordered {
		if link.IsPDF {
			result.PDFs = append(result.PDFs, link)
		} else {
			result.Internal = append(result.Internal, link)
		}
	}
	return result
}

// Priority sums the weights of every priority pattern matching u.
func (t *Triager) Priority(u string) int {
	score := 0
	for _, p := range t.priority {
		if p.re.MatchString(u) {
			score += p.weight
		}
	}
	return score
}

// Category returns the first matching category, or models.DefaultCategory.
func (t *Triager) Category(u, anchorText string) string {
	for _, c := range t.categories {
		if c.re.MatchString(u) || (anchorText != "" && c.re.MatchString(anchorText)) {
			return c.name
		}
	}
	return models.DefaultCategory
}

func (t *Triager) ignored(u string) bool {
	for _, re := range t.ignore {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// InDomain reports whether host is baseDomain or one of its subdomains.
func InDomain(host, baseDomain string) bool {
	if host == "" || baseDomain == "" {
		return false
	}
	return host == baseDomain || strings.HasSuffix(host, "."+baseDomain)
}
