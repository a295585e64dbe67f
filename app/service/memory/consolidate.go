package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/elliotchance/pie/v2"
)

// swapper replaces an observed snapshot with its consolidated form. Facts added
// after the snapshot was taken are kept.
type swapper interface {
	All(ctx context.Context) ([]string, error)
	swap(ctx context.Context, before, after []string) error
}

func consolidate(ctx context.Context, store swapper, dedup Deduplicator) error {
	before, err := store.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to read facts: %w", err)
	}

	if len(before) == 0 {
		return nil
	}

	after := uniqueFacts(pie.Map(dedup.DeduplicateFacts(ctx, before), normalizeFact))
	if len(after) == 0 {
		slog.Warn("Consolidation returned no facts, keeping memory as is", "count", len(before))
		return nil
	}

	if err = store.swap(ctx, before, after); err != nil {
		return fmt.Errorf("failed to store consolidated facts: %w", err)
	}

	slog.Info("Memory consolidated",
		"before", len(before),
		"after", len(after),
	)

	return nil
}

// uniqueFacts drops blanks and repeats, keeping first-seen order.
func uniqueFacts(facts []string) []string {
	seen := make(map[string]bool, len(facts))
	result := make([]string, 0, len(facts))

	for _, fact := range facts {
		if fact == "" || seen[fact] {
			continue
		}
		seen[fact] = true
		result = append(result, fact)
	}

	return result
}
