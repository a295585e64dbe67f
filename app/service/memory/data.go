package memory

import (
	"context"
	"strings"
	"time"
)

const textHeader = "Long-term Memory:"

// Deduplicator merges a fact set into a shorter one without losing information.
// The reasoning gateway is the production implementation.
type Deduplicator interface {
	DeduplicateFacts(ctx context.Context, facts []string) []string
}

// Store is a durable set of fact and rule strings.
type Store interface {
	// Add inserts fact and reports whether it was new. Blank facts are ignored.
	Add(ctx context.Context, fact string) (bool, error)
	All(ctx context.Context) ([]string, error)
	// Text renders every fact for use as prompt context, or "" when empty.
	Text(ctx context.Context) (string, error)
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Replace(ctx context.Context, facts []string) error
	Consolidate(ctx context.Context, dedup Deduplicator) error
}

type jsonLineItem struct {
	Fact      string    `json:"fact"`
	CreatedAt time.Time `json:"created_at"`
}

func normalizeFact(fact string) string {
	return strings.TrimSpace(fact)
}

func renderText(facts []string) string {
	if len(facts) == 0 {
		return ""
	}

	var builder strings.Builder
	builder.WriteString(textHeader)
	for _, fact := range facts {
		builder.WriteString("\n- ")
		builder.WriteString(fact)
	}

	return builder.String()
}
