package domain

import "context"

// Query selects rows of one table. Filters map a column id to the values
// it may take; an empty filter map selects every row. The "id" column
// filters on row ids.
type Query struct {
	TableID string
	Filters map[string][]CellValue
}

// RowFetcher reads rows from the document store.
// Implemented by repository.DocStore.
type RowFetcher interface {
	FetchRows(ctx context.Context, q Query) (*TableData, error)
}

// DirectoryUser is a user known to the account directory.
type DirectoryUser struct {
	UserID int64
	Email  string
	Name   string
	Access Role
}

// UserDirectory resolves users for the view-as feature. Lookups return a
// NotFoundError when the user is unknown.
type UserDirectory interface {
	UserByID(ctx context.Context, id int64) (*DirectoryUser, error)
	UserByEmail(ctx context.Context, email string) (*DirectoryUser, error)
}

// UpdateFilter produces the view of an update for one session. A nil
// update with a nil error means nothing should be delivered.
type UpdateFilter func(ctx context.Context, sess *Session) (*DocUpdate, error)

// Broadcaster delivers a document update to every connected session.
// Implemented by broadcast.Hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, origin string, filter UpdateFilter) error
}

// DocumentStore persists the tables of a document.
// Implemented by repository.DocStore.
type DocumentStore interface {
	RowFetcher
	// ApplyActions commits doc actions atomically.
	ApplyActions(ctx context.Context, actions []Action) error
	// TableIDs lists the user tables.
	TableIDs(ctx context.Context) ([]string, error)
	Usage(ctx context.Context) (*DocUsageSummary, error)
}
