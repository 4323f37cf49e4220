package app

import (
	"context"
	"fmt"
	"log/slog"

	"doc-access/internal/db/repository"
	"doc-access/internal/fixture"
)

// seedDocument populates an empty document from a scenario fixture: its
// tables, rows, user attributes and access rules. Documents that already
// have user tables are left alone.
func seedDocument(ctx context.Context, store *repository.DocStore, path string, logger *slog.Logger) error {
	tables, err := store.TableIDs(ctx)
	if err != nil {
		return fmt.Errorf("seed: list tables: %w", err)
	}
	if len(tables) > 0 {
		return nil // already seeded
	}

	sc, err := fixture.Load(path)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	actions := sc.Document().Actions()
	if err := store.ApplyActions(ctx, actions); err != nil {
		return fmt.Errorf("seed: apply: %w", err)
	}
	logger.Info("document seeded", "path", path, "tables", len(sc.Tables), "rules", len(sc.Rules))
	return nil
}
