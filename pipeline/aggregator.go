package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-cards/models"
)

// Aggregator merges per-source field sets into one record. Scalars keep the
// first non-empty value, collections accumulate a deduplicated union and
// objects merge per key one level deep.
type Aggregator struct {
	schema        []string
	caseSensitive bool

	mu      sync.Mutex
	fields  map[string]any
	order   []string
	sources []models.SourceFieldSet
}

// AggregatorOption customises an Aggregator.
type AggregatorOption func(*Aggregator)

// WithCaseSensitiveDedup treats collection entries that differ only in case
// as distinct.
func WithCaseSensitiveDedup() AggregatorOption {
	return func(a *Aggregator) {
		a.caseSensitive = true
	}
}

// NewAggregator builds an aggregator. Completeness is measured against schema,
// or against every field seen when schema is empty.
func NewAggregator(schema []string, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		schema: append([]string(nil), schema...),
		fields: make(map[string]any),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddSource merges fields extracted from one source.
func (a *Aggregator) AddSource(fields map[string]any, sourceType models.ContentKind, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sources = append(a.sources, models.SourceFieldSet{
		SourceType: sourceType,
		SourceURL:  url,
		Fields:     copyFields(fields),
	})

	for _, key := range orderedKeys(fields) {
		_, existed := a.fields[key]
		a.mergeField(a.fields, key, fields[key], false)
		if _, exists := a.fields[key]; exists && !existed {
			a.order = append(a.order, key)
		}
	}
}

func (a *Aggregator) mergeField(dst map[string]any, key string, value any, nested bool) {
	if isEmpty(value) {
		return
	}
	current, ok := dst[key]

	if obj, isObj := value.(map[string]any); isObj && !nested {
		target, isTarget := current.(map[string]any)
		if !isTarget {
			if ok && !isEmpty(current) {
				return
			}
			target = make(map[string]any, len(obj))
		}
		for _, k := range orderedKeys(obj) {
			a.mergeField(target, k, obj[k], true)
		}
		if len(target) > 0 {
			dst[key] = target
		}
		return
	}

	if items, isList := toStrings(value); isList {
		existing, currentIsList := toStrings(current)
		if ok && !currentIsList && !isEmpty(current) {
			return
		}
		if merged := a.union(existing, items); len(merged) > 0 {
			dst[key] = merged
		}
		return
	}

	if ok && !isEmpty(current) {
		return
	}
	dst[key] = value
}

func (a *Aggregator) union(existing, incoming []string) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	add := func(item string) {
		item = strings.TrimSpace(item)
		if item == "" {
			return
		}
		key := item
		if !a.caseSensitive {
			key = strings.ToLower(key)
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	for _, item := range existing {
		add(item)
	}
	for _, item := range incoming {
		add(item)
	}
	return out
}

// Merge returns a snapshot of the merged record.
func (a *Aggregator) Merge() *models.AggregatedRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	sources := make([]models.SourceFieldSet, len(a.sources))
	copy(sources, a.sources)
	return &models.AggregatedRecord{
		Fields:     copyFields(a.fields),
		FieldOrder: append([]string(nil), a.order...),
		Sources:    sources,
	}
}

// Completeness reports how many fields of the record are filled. It has no
// side effects and may be called at any time.
func (a *Aggregator) Completeness() models.CompletenessReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := a.schema
	if len(names) == 0 {
		names = a.order
	}

	report := models.CompletenessReport{
		Fields:         append([]string(nil), names...),
		TotalFields:    len(names),
		PerFieldStatus: make(map[string]bool, len(names)),
	}
	for _, name := range names {
		filled := !isEmpty(a.fields[name])
		report.PerFieldStatus[name] = filled
		if filled {
			report.FilledFields++
		} else {
			report.Missing = append(report.Missing, name)
		}
	}
	if report.TotalFields > 0 {
		pct := float64(report.FilledFields) / float64(report.TotalFields) * 100
		report.Percentage = math.Round(pct*100) / 100
	}
	return report
}

// Sources returns the number of sources added so far.
func (a *Aggregator) Sources() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sources)
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func toStrings(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	default:
		return nil, false
	}
}

// orderedKeys returns map keys sorted so merges are deterministic.
func orderedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case map[string]any:
			out[k] = copyFields(val)
		case []string:
			out[k] = append([]string(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}
