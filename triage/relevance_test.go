package triage

import (
	"testing"

	"github.com/aluiziolira/go-scrape-cards/config"
)

func TestRelevanceScore(t *testing.T) {
	r, err := NewRelevance(config.DefaultRules().Relevance)
	if err != nil {
		t.Fatalf("new relevance: %v", err)
	}

	tests := []struct {
		name string
		text string
		url  string
		want int
	}{
		{
			name: "card page",
			text: "Annual Fee ₹500. Joining fee ₹500. Lounge access at airports.",
			url:  "https://www.examplebank.test/credit-cards/platinum",
			want: 12,
		},
		{
			name: "repeated keyword counted per occurrence",
			text: "annual fee waived. annual fee reversed.",
			url:  "https://www.examplebank.test/offers",
			want: 6,
		},
		{
			name: "off-topic penalty applied once per keyword",
			text: "Home loan offers and home loan rates.",
			url:  "https://www.examplebank.test/loans",
			want: -5,
		},
		{
			name: "empty text scores url only",
			text: "",
			url:  "https://www.examplebank.test/credit-cards/rewards",
			want: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Score(tt.text, tt.url); got != tt.want {
				t.Fatalf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRelevanceAccept(t *testing.T) {
	r, err := NewRelevance(config.RelevanceRules{MinScore: 3})
	if err != nil {
		t.Fatalf("new relevance: %v", err)
	}
	if !r.Accept(3) {
		t.Fatalf("score equal to threshold should be accepted")
	}
	if r.Accept(2) {
		t.Fatalf("score below threshold should be rejected")
	}
}

func TestRelevanceBadPattern(t *testing.T) {
	_, err := NewRelevance(config.RelevanceRules{
		URLTokens: []config.WeightedRule{{Pattern: "(", Weight: 1}},
	})
	if err == nil {
		t.Fatalf("expected compile error")
	}
}
