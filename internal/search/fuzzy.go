package search

import (
	"context"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Source lists the poems the fuzzy searcher may match against.
type Source func(ctx context.Context) ([]PoemRecord, error)

// Fuzzy matches queries against records loaded from the store. It needs no
// external service and serves as the fallback when Meilisearch is down.
type Fuzzy struct {
	source Source
}

func NewFuzzy(source Source) *Fuzzy {
	return &Fuzzy{source: source}
}

func (f *Fuzzy) Healthy() bool {
	return f.source != nil
}

func (f *Fuzzy) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || f.source == nil {
		return nil, 0, nil
	}
	records, err := f.source(ctx)
	if err != nil {
		return nil, 0, err
	}

	searchStrings := make([]string, len(records))
	for i, rec := range records {
		searchStrings[i] = strings.ToLower(strings.Join([]string{rec.Title, rec.Description, rec.OwnerName, rec.Content}, " "))
	}
	matches := fuzzy.Find(strings.ToLower(text), searchStrings)

	total := len(matches)
	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			return []Result{}, total, nil
		}
		matches = matches[q.Offset:]
	}
	if limit := normalizeLimit(q.Limit); len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		rec := records[match.Index]
		results = append(results, Result{
			ID:        rec.ID,
			Title:     rec.Title,
			Snippet:   snippet(rec.Content),
			OwnerName: rec.OwnerName,
		})
	}
	return results, total, nil
}

func snippet(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	const max = 120
	if r := []rune(line); len(r) > max {
		return string(r[:max]) + "…"
	}
	return line
}
