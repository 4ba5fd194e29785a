package triage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-scrape-cards/config"
)

// Relevance scores page text against the configured keyword tables.
type Relevance struct {
	urlTokens       []weighted
	high            []string
	highWeight      int
	medium          []string
	mediumWeight    int
	offTopic        []string
	offTopicPenalty int
	minScore        int
}

// NewRelevance compiles the relevance rules.
func NewRelevance(rules config.RelevanceRules) (*Relevance, error) {
	r := &Relevance{
		high:            lowerAll(rules.HighKeywords),
		highWeight:      rules.HighWeight,
		medium:          lowerAll(rules.MediumKeywords),
		mediumWeight:    rules.MediumWeight,
		offTopic:        lowerAll(rules.OffTopicKeywords),
		offTopicPenalty: rules.OffTopicPenalty,
		minScore:        rules.MinScore,
	}
	for _, token := range rules.URLTokens {
		re, err := regexp.Compile(token.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile url token %q: %w", token.Pattern, err)
		}
		r.urlTokens = append(r.urlTokens, weighted{re: re, weight: token.Weight})
	}
	return r, nil
}

// Score adds URL-token bonuses and per-occurrence keyword weights, then
// subtracts a flat penalty for each distinct off-topic keyword present.
func (r *Relevance) Score(text, u string) int {
	score := 0
	for _, token := range r.urlTokens {
		if token.re.MatchString(u) {
			score += token.weight
		}
	}

	lower := strings.ToLower(text)
	for _, kw := range r.high {
		score += strings.Count(lower, kw) * r.highWeight
	}
	for _, kw := range r.medium {
		score += strings.Count(lower, kw) * r.mediumWeight
	}
	for _, kw := range r.offTopic {
		if strings.Contains(lower, kw) {
			score -= r.offTopicPenalty
		}
	}
	return score
}

// Accept reports whether score clears the minimum threshold.
func (r *Relevance) Accept(score int) bool {
	return score >= r.minScore
}

// MinScore returns the configured threshold.
func (r *Relevance) MinScore() int {
	return r.minScore
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
