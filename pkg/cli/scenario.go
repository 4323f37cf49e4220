package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"doc-access/internal/app"
	"doc-access/internal/config"
	"doc-access/internal/db"
	"doc-access/internal/fixture"
)

// scenarioDoc is a fixture loaded into a throwaway SQLite document.
type scenarioDoc struct {
	scenario *fixture.Scenario
	app      *app.App
	close    func()
}

// openScenario loads the fixture at path into a temporary document and
// wires the full document service around it.
func openScenario(ctx context.Context, path string) (*scenarioDoc, error) {
	sc, err := fixture.Load(path)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "aclctl-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	cfg := &config.Config{
		DocDBPath:            filepath.Join(dir, "doc.sqlite"),
		DocID:                strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		SeedPath:             path,
		BroadcastConcurrency: 4,
	}
	pair, err := db.OpenDocument(cfg.DocDBPath, 2)
	if err != nil {
		cleanup()
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(ctx, app.Deps{
		Cfg:       cfg,
		DB:        pair,
		Logger:    logger,
		Directory: fixture.NewDirectory(sc.Users),
	})
	if err != nil {
		_ = pair.Close()
		cleanup()
		return nil, err
	}
	return &scenarioDoc{
		scenario: sc,
		app:      a,
		close: func() {
			_ = pair.Close()
			cleanup()
		},
	}, nil
}
