// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"sync"

	"doc-access/internal/domain"
)

// === Row Fetcher Mock ===

// MockRowFetcher implements domain.RowFetcher for testing.
type MockRowFetcher struct {
	FetchRowsFn func(ctx context.Context, q domain.Query) (*domain.TableData, error)

	mu      sync.Mutex
	Queries []domain.Query // collected queries for assertions
}

// FetchRows implements the interface method for testing.
func (m *MockRowFetcher) FetchRows(ctx context.Context, q domain.Query) (*domain.TableData, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, q)
	m.mu.Unlock()
	if m.FetchRowsFn != nil {
		return m.FetchRowsFn(ctx, q)
	}
	panic("unexpected call to MockRowFetcher.FetchRows")
}

// === User Directory Mock ===

// MockUserDirectory implements domain.UserDirectory for testing.
type MockUserDirectory struct {
	UserByIDFn    func(ctx context.Context, id int64) (*domain.DirectoryUser, error)
	UserByEmailFn func(ctx context.Context, email string) (*domain.DirectoryUser, error)
}

// UserByID implements the interface method for testing.
func (m *MockUserDirectory) UserByID(ctx context.Context, id int64) (*domain.DirectoryUser, error) {
	if m.UserByIDFn != nil {
		return m.UserByIDFn(ctx, id)
	}
	panic("unexpected call to MockUserDirectory.UserByID")
}

// UserByEmail implements the interface method for testing.
func (m *MockUserDirectory) UserByEmail(ctx context.Context, email string) (*domain.DirectoryUser, error) {
	if m.UserByEmailFn != nil {
		return m.UserByEmailFn(ctx, email)
	}
	panic("unexpected call to MockUserDirectory.UserByEmail")
}

// StaticDirectory is a UserDirectory over a fixed list of users.
type StaticDirectory []domain.DirectoryUser

// UserByID implements domain.UserDirectory.
func (d StaticDirectory) UserByID(_ context.Context, id int64) (*domain.DirectoryUser, error) {
	for i := range d {
		if d[i].UserID == id {
			u := d[i]
			return &u, nil
		}
	}
	return nil, domain.ErrNotFound("user %d not found", id)
}

// UserByEmail implements domain.UserDirectory.
func (d StaticDirectory) UserByEmail(_ context.Context, email string) (*domain.DirectoryUser, error) {
	for i := range d {
		if domain.NormalizeEmail(d[i].Email) == domain.NormalizeEmail(email) {
			u := d[i]
			return &u, nil
		}
	}
	return nil, domain.ErrNotFound("user %q not found", email)
}

// === Broadcaster Mock ===

// Delivery is one update captured by RecordingBroadcaster.
type Delivery struct {
	SessionID string
	Update    *domain.DocUpdate
	Err       error
}

// RecordingBroadcaster implements domain.Broadcaster by running the filter
// for a fixed list of sessions and recording the results.
type RecordingBroadcaster struct {
	Sessions []*domain.Session

	mu         sync.Mutex
	Deliveries []Delivery
}

// Broadcast implements the interface method for testing.
func (b *RecordingBroadcaster) Broadcast(ctx context.Context, _ string, filter domain.UpdateFilter) error {
	for _, sess := range b.Sessions {
		update, err := filter(ctx, sess)
		b.mu.Lock()
		b.Deliveries = append(b.Deliveries, Delivery{SessionID: sess.ID, Update: update, Err: err})
		b.mu.Unlock()
	}
	return nil
}

// For returns the deliveries made to one session.
func (b *RecordingBroadcaster) For(sessionID string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Delivery
	for _, d := range b.Deliveries {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out
}
