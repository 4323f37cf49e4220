package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-access/internal/domain"
	"doc-access/internal/metrics"
)

func newHub(t *testing.T, opts Options) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	opts.Metrics = m
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(opts), m
}

func session(id string) *domain.Session {
	return &domain.Session{ID: id, Access: domain.RoleEditors}
}

func TestHub_AddRemove(t *testing.T) {
	var removed []string
	h, m := newHub(t, Options{OnRemove: func(id string) { removed = append(removed, id) }})

	sub, err := h.Add(session("b"))
	require.NoError(t, err)
	_, err = h.Add(session("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.Len())
	assert.InDelta(t, 2, promtest.ToFloat64(m.Subscribers), 0)

	_, err = h.Add(session("a"))
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)

	sessions := h.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)

	h.Remove("b")
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not stopped")
	}
	h.Remove("never-subscribed")
	assert.Equal(t, []string{"b", "never-subscribed"}, removed)
	assert.Equal(t, 1, h.Len())
	assert.InDelta(t, 1, promtest.ToFloat64(m.Subscribers), 0)
}

func TestHub_Broadcast(t *testing.T) {
	ctx := context.Background()
	h, m := newHub(t, Options{Concurrency: 2})

	subs := map[string]*Subscription{}
	for _, id := range []string{"deliver", "skip", "reload", "fail"} {
		sub, err := h.Add(session(id))
		require.NoError(t, err)
		subs[id] = sub
	}

	update := &domain.DocUpdate{DocActions: domain.ActionList{&domain.RemoveRecord{TableID: "T", RowID: 1}}}
	var mu sync.Mutex
	seen := map[string]bool{}
	err := h.Broadcast(ctx, "origin", func(_ context.Context, sess *domain.Session) (*domain.DocUpdate, error) {
		mu.Lock()
		seen[sess.ID] = true
		mu.Unlock()
		switch sess.ID {
		case "deliver":
			return update, nil
		case "reload":
			return nil, domain.ErrReloadRequired("rules changed")
		case "fail":
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 4)

	require.Len(t, subs["deliver"].Messages(), 1)
	assert.Same(t, update, (<-subs["deliver"].Messages()).Update)
	require.Len(t, subs["reload"].Messages(), 1)
	assert.True(t, (<-subs["reload"].Messages()).Reload)
	assert.Empty(t, subs["skip"].Messages())
	assert.Empty(t, subs["fail"].Messages())

	for result, want := range map[string]float64{"delivered": 1, "reload": 1, "skipped": 1, "failed": 1} {
		assert.InDelta(t, want, promtest.ToFloat64(m.DeliveriesTotal.WithLabelValues(result)), 0, result)
	}
}

func TestHub_BroadcastStopsOnCancel(t *testing.T) {
	h, _ := newHub(t, Options{Buffer: 1})
	_, err := h.Add(session("slow"))
	require.NoError(t, err)

	filter := func(context.Context, *domain.Session) (*domain.DocUpdate, error) {
		return &domain.DocUpdate{}, nil
	}
	require.NoError(t, h.Broadcast(context.Background(), "o", filter))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = h.Broadcast(ctx, "o", filter)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	h, m := newHub(t, Options{Buffer: 2})
	stuck, err := h.Add(session("stuck"))
	require.NoError(t, err)
	live, err := h.Add(session("live"))
	require.NoError(t, err)

	filter := func(context.Context, *domain.Session) (*domain.DocUpdate, error) {
		return &domain.DocUpdate{}, nil
	}
	for i := 0; i < 4; i++ {
		done := make(chan error, 1)
		go func() { done <- h.Broadcast(ctx, "o", filter) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast %d blocked on a subscriber that is not reading", i)
		}
		msg := <-live.Messages()
		assert.NotNil(t, msg.Update)
		assert.False(t, msg.Reload)
	}

	require.Len(t, stuck.Messages(), 1)
	assert.True(t, (<-stuck.Messages()).Reload)
	assert.InDelta(t, 1, promtest.ToFloat64(m.DeliveriesTotal.WithLabelValues("overflow")), 0)
	assert.InDelta(t, 6, promtest.ToFloat64(m.DeliveriesTotal.WithLabelValues("delivered")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.DeliveriesTotal.WithLabelValues("skipped")), 0)
}
