package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
)

// FieldExtractor maps source text to merge-ready field values. Values are
// strings (scalars), []string (collections) or map[string]any (objects).
type FieldExtractor interface {
	Extract(text, sourceURL string, kind models.ContentKind) map[string]any
}

type fieldRule struct {
	name       string
	group      string
	collection bool
	re         *regexp.Regexp
}

// RuleExtractor applies configured regex rules to text.
type RuleExtractor struct {
	rules []fieldRule
}

// NewRuleExtractor compiles the configured field rules.
func NewRuleExtractor(rules []config.FieldRule) (*RuleExtractor, error) {
	e := &RuleExtractor{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile field %s: %w", r.Name, err)
		}
		e.rules = append(e.rules, fieldRule{
			name:       r.Name,
			group:      strings.TrimSpace(r.Group),
			collection: r.Collection,
			re:         re,
		})
	}
	return e, nil
}

// Extract runs every rule over text. Fields without a match are omitted.
func (e *RuleExtractor) Extract(text, _ string, _ models.ContentKind) map[string]any {
	fields := make(map[string]any)
	if strings.TrimSpace(text) == "" {
		return fields
	}

	for _, rule := range e.rules {
		value := rule.apply(text)
		if value == nil {
			continue
		}
		if rule.group == "" {
			fields[rule.name] = value
			continue
		}
		obj, ok := fields[rule.group].(map[string]any)
		if !ok {
			obj = make(map[string]any)
			fields[rule.group] = obj
		}
		obj[rule.name] = value
	}
	return fields
}

func (r fieldRule) apply(text string) any {
	if !r.collection {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			return nil
		}
		if v := matchValue(m); v != "" {
			return v
		}
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	for _, m := range r.re.FindAllStringSubmatch(text, -1) {
		v := matchValue(m)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func matchValue(m []string) string {
	if len(m) > 1 {
		return CollapseWhitespace(m[1])
	}
	return CollapseWhitespace(m[0])
}
