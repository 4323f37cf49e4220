package domain

import (
	"context"
	"time"
)

// ActionLogEntry is one applied bundle as recorded in the action history.
type ActionLogEntry struct {
	ActionNum  int64
	ActionHash string
	SessionID  string
	UserEmail  string
	Desc       string
	DocActions []Action
	Undo       []Action
	CreatedAt  time.Time
}

// ActionLogRepository records applied bundles.
// Implemented by repository.ActionLogRepo.
type ActionLogRepository interface {
	// Append stores entry and fills in its number and hash.
	Append(ctx context.Context, entry *ActionLogEntry) error
	Get(ctx context.Context, actionNum int64) (*ActionLogEntry, error)
	// List returns the most recent entries, newest first.
	List(ctx context.Context, limit int) ([]ActionLogEntry, error)
}
