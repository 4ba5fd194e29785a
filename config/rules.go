package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules carries every site-specific table the crawler consumes. None of the
// crawl algorithms hard-code vocabulary; they only read these tables.
type Rules struct {
	Repairs              []Replacement  `yaml:"repairs"`
	CorruptionSignatures []string       `yaml:"corruption_signatures"`
	IgnorePatterns       []string       `yaml:"ignore_patterns"`
	PriorityPatterns     []WeightedRule `yaml:"priority_patterns"`
	Categories           []CategoryRule `yaml:"categories"`
	Relevance            RelevanceRules `yaml:"relevance"`
	Fields               []FieldRule    `yaml:"fields"`
	Schema               []string       `yaml:"schema"`
}

// Replacement is one literal repair applied to raw hrefs.
type Replacement struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// WeightedRule adds Weight to a score when Pattern matches.
type WeightedRule struct {
	Pattern string `yaml:"pattern"`
	Weight  int    `yaml:"weight"`
}

// CategoryRule assigns Category to the first link whose URL or anchor text
// matches Pattern.
type CategoryRule struct {
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
}

// RelevanceRules tune the page relevance gate.
type RelevanceRules struct {
	URLTokens        []WeightedRule `yaml:"url_tokens"`
	HighKeywords     []string       `yaml:"high_keywords"`
	HighWeight       int            `yaml:"high_weight"`
	MediumKeywords   []string       `yaml:"medium_keywords"`
	MediumWeight     int            `yaml:"medium_weight"`
	OffTopicKeywords []string       `yaml:"off_topic_keywords"`
	OffTopicPenalty  int            `yaml:"off_topic_penalty"`
	MinScore         int            `yaml:"min_score"`
}

// FieldRule extracts one field from source text. The first capture group is
// used when present, otherwise the whole match.
type FieldRule struct {
	Name       string `yaml:"name"`
	Pattern    string `yaml:"pattern"`
	Collection bool   `yaml:"collection"`
	// Group nests the field under a top-level object field.
	Group string `yaml:"group"`
}

// DefaultRules returns the tables used for Indian bank credit-card sites.
func DefaultRules() Rules {
	return Rules{
		Repairs: []Replacement{
			{From: "credit-cardss", To: "credit-cards"},
			{From: "/cardss/", To: "/cards/"},
			{From: "httpss://", To: "https://"},
		},
		CorruptionSignatures: []string{
			`(?i)%25[0-9a-f]{2}%25`,
			`(?i)/undefined(/|$)`,
			`(?i)/null(/|$)`,
		},
		IgnorePatterns: []string{
			`(?i)/(login|logout|signin|sign-in|register|netbanking)(/|$|\?)`,
			`(?i)/(careers|investor|press|media-centre|csr|blog)(/|$)`,
			`(?i)\.(jpg|jpeg|png|gif|svg|webp|ico|css|js|zip|xls|xlsx|doc|docx|mp4|mp3)(\?|$)`,
			`(?i)/(home-loan|personal-loan|car-loan|fixed-deposit|mutual-funds)(/|$)`,
		},
		PriorityPatterns: []WeightedRule{
			{Pattern: `(?i)terms|conditions|tnc|mitc`, Weight: 10},
			{Pattern: `(?i)fees?|charges`, Weight: 9},
			{Pattern: `(?i)benefits?|features?`, Weight: 7},
			{Pattern: `(?i)rewards?|cashback|points`, Weight: 6},
			{Pattern: `(?i)eligib`, Weight: 5},
			{Pattern: `(?i)credit-?card`, Weight: 3},
		},
		Categories: []CategoryRule{
			{Pattern: `(?i)terms|conditions|tnc|mitc`, Category: "terms"},
			{Pattern: `(?i)fees?|charges`, Category: "fees"},
			{Pattern: `(?i)rewards?|cashback|points`, Category: "rewards"},
			{Pattern: `(?i)benefits?|features?|lounge`, Category: "benefits"},
			{Pattern: `(?i)eligib|documents`, Category: "eligibility"},
			{Pattern: `(?i)apply`, Category: "application"},
		},
		Relevance: RelevanceRules{
			URLTokens: []WeightedRule{
				{Pattern: `(?i)credit-?card`, Weight: 5},
				{Pattern: `(?i)fees?|charges|rewards?|benefits?`, Weight: 3},
			},
			HighKeywords:     []string{"annual fee", "joining fee", "reward points", "interest rate", "finance charges"},
			HighWeight:       3,
			MediumKeywords:   []string{"cashback", "lounge", "fuel surcharge", "eligibility", "credit limit"},
			MediumWeight:     1,
			OffTopicKeywords: []string{"home loan", "mutual fund", "fixed deposit", "savings account"},
			OffTopicPenalty:  5,
			MinScore:         3,
		},
		Fields: []FieldRule{
			{Name: "card_name", Pattern: `(?i)([A-Z][\w ]{2,40} Credit Card)`},
			{Name: "annual_fee", Pattern: `(?i)annual\s+fee[^₹\d]{0,20}(₹\s?[\d,]+|Rs\.?\s?[\d,]+|nil)`},
			{Name: "joining_fee", Pattern: `(?i)joining\s+fee[^₹\d]{0,20}(₹\s?[\d,]+|Rs\.?\s?[\d,]+|nil)`},
			{Name: "interest_rate", Pattern: `(?i)(\d{1,2}(?:\.\d{1,2})?%\s*(?:per month|p\.m\.))`},
			{Name: "benefits", Pattern: `(?i)(complimentary [\w ]{3,40}|lounge access)`, Collection: true},
			{Name: "rewards", Pattern: `(?i)(\d+\s*(?:reward points|x points|% cashback)[\w ]{0,30})`, Collection: true},
			{Name: "min_age", Pattern: `(?i)minimum age[^\d]{0,10}(\d{2})`, Group: "eligibility"},
			{Name: "min_income", Pattern: `(?i)(?:minimum )?income[^₹\d]{0,20}(₹\s?[\d,]+)`, Group: "eligibility"},
			{Name: "documents", Pattern: `(?i)(pan card|aadhaar|salary slip|bank statement)`, Collection: true, Group: "eligibility"},
		},
		Schema: []string{
			"card_name", "annual_fee", "joining_fee", "interest_rate",
			"benefits", "rewards", "eligibility",
		},
	}
}

// Validate compiles every pattern once so configuration errors surface at
// start-up instead of mid-crawl.
func (r Rules) Validate() error {
	check := func(kind, pattern string) error {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("%s pattern cannot be empty", kind)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s pattern %q: %w", kind, pattern, err)
		}
		return nil
	}
	for _, rep := range r.Repairs {
		if rep.From == "" {
			return fmt.Errorf("repair entry has empty source")
		}
		if rep.To != "" && strings.Contains(rep.To, rep.From) {
			return fmt.Errorf("repair %q -> %q is not idempotent", rep.From, rep.To)
		}
	}
	for _, p := range r.CorruptionSignatures {
		if err := check("corruption signature", p); err != nil {
			return err
		}
	}
	for _, p := range r.IgnorePatterns {
		if err := check("ignore", p); err != nil {
			return err
		}
	}
	for _, p := range r.PriorityPatterns {
		if err := check("priority", p.Pattern); err != nil {
			return err
		}
	}
	for _, c := range r.Categories {
		if err := check("category", c.Pattern); err != nil {
			return err
		}
		if strings.TrimSpace(c.Category) == "" {
			return fmt.Errorf("category rule %q has no category", c.Pattern)
		}
	}
	for _, p := range r.Relevance.URLTokens {
		if err := check("url token", p.Pattern); err != nil {
			return err
		}
	}
	for _, f := range r.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("field rule %q has no name", f.Pattern)
		}
		if err := check("field "+f.Name, f.Pattern); err != nil {
			return err
		}
	}
	return nil
}
