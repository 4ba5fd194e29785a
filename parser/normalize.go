package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-scrape-cards/config"
)

// MaxURLLength is the longest canonical URL the crawler accepts.
const MaxURLLength = 2000

// maxRepairPasses bounds how often the repair table is re-applied before an
// href that keeps changing is given up on.
const maxRepairPasses = 8

var (
	rejectedPrefixes = []string{"javascript:", "mailto:", "tel:", "data:"}
	templateMarkers  = []string{"{{", "}}", "%7b%7b", "%7d%7d"}
	repeatedSlashes  = regexp.MustCompile(`/{2,}`)
)

// Normalizer turns raw hrefs into canonical absolute URLs.
type Normalizer struct {
	repairs    []config.Replacement
	signatures []*regexp.Regexp
}

// NewNormalizer compiles the repair table and corruption signatures.
func NewNormalizer(rules config.Rules) (*Normalizer, error) {
	n := &Normalizer{
		repairs: append([]config.Replacement(nil), rules.Repairs...),
	}
	for _, pattern := range rules.CorruptionSignatures {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile corruption signature %q: %w", pattern, err)
		}
		n.signatures = append(n.signatures, re)
	}
	return n, nil
}

// Normalize resolves href against base and canonicalises the result. The
// second return value is false when the href cannot be recovered; callers
// drop such links silently.
func (n *Normalizer) Normalize(href, base string) (string, bool) {
	raw := strings.TrimSpace(href)
	if raw == "" || strings.HasPrefix(raw, "#") || len(raw) > MaxURLLength {
		return "", false
	}
	lower := strings.ToLower(raw)
	for _, prefix := range rejectedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	raw, ok := n.repair(raw)
	if !ok || hasTemplateMarker(raw) {
		return "", false
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	resolver := ref
	if !ref.IsAbs() && base != "" {
		baseURL, err := url.Parse(strings.TrimSpace(base))
		if err != nil {
			return "", false
		}
		resolver = baseURL
	}
	// ResolveReference also removes dot segments from absolute references.
	ref = resolver.ResolveReference(ref)

	canonical, ok := canonicalize(ref)
	if !ok || len(canonical) > MaxURLLength || hasTemplateMarker(canonical) {
		return "", false
	}
	for _, re := range n.signatures {
		if re.MatchString(canonical) {
			return "", false
		}
	}
	return canonical, true
}

// repair applies the repair table until the href stops changing, so a repair
// that leaves another repair source behind is still fully applied.
func (n *Normalizer) repair(raw string) (string, bool) {
	for pass := 0; pass < maxRepairPasses; pass++ {
		next := raw
		for _, rep := range n.repairs {
			next = strings.ReplaceAll(next, rep.From, rep.To)
		}
		if next == raw {
			return raw, true
		}
		raw = next
	}
	return "", false
}

func canonicalize(u *url.URL) (string, bool) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if u.Opaque != "" || u.Hostname() == "" {
		return "", false
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if (scheme == "http" && u.Port() == "80") || (scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	u.RawFragment = ""

	path := repeatedSlashes.ReplaceAllString(u.Path, "/")
	path = stripHostSegments(path, u.Hostname())
	path = strings.TrimRight(path, "/")
	u.Path = path
	u.RawPath = ""
	if u.RawQuery == "" {
		u.ForceQuery = false
	}
	return u.String(), true
}

// stripHostSegments removes leading path segments that repeat the hostname,
// e.g. https://bank.com/bank.com/cards.
func stripHostSegments(path, host string) string {
	bare := strings.TrimPrefix(host, "www.")
	for {
		trimmed := strings.TrimPrefix(path, "/")
		segment, rest, _ := strings.Cut(trimmed, "/")
		segment = strings.ToLower(segment)
		if segment == "" || (segment != host && segment != bare && segment != "www."+bare) {
			return path
		}
		path = "/" + rest
	}
}

func hasTemplateMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range templateMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsPDF reports whether a canonical URL points at a PDF by path suffix.
func IsPDF(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

// Hostname returns the lower-cased host of raw, or "" when it does not parse.
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
