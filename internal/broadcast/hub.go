// Package broadcast fans document updates out to the sessions connected to
// a document, giving each session its own filtered view.
package broadcast

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"doc-access/internal/domain"
	"doc-access/internal/metrics"
)

const (
	defaultConcurrency = 8
	defaultBuffer      = 16
)

// Message is one delivery to a subscriber.
type Message struct {
	Update *domain.DocUpdate `json:"update,omitempty"`
	// Reload is set when the recipient must reload the document instead of
	// applying updates.
	Reload bool `json:"reload,omitempty"`
}

// Subscription is the receiving end of a session's deliveries.
type Subscription struct {
	session *domain.Session
	ch      chan Message
	done    chan struct{}
	once    sync.Once

	// mu serializes senders. stale is set once the queue overflowed and
	// was replaced by a reload.
	mu    sync.Mutex
	stale bool
}

// Session returns the subscribed session.
func (s *Subscription) Session() *domain.Session { return s.session }

// Messages returns the channel deliveries arrive on. It is never closed;
// select on Done to notice removal.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Done is closed when the subscription is removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) stop() { s.once.Do(func() { close(s.done) }) }

// Options configures a Hub.
type Options struct {
	// Concurrency bounds the sessions filtered at once. Zero means 8.
	Concurrency int
	// Buffer is the per-subscriber queue length. Zero means 16. A
	// subscriber whose queue is full gets its queue replaced by a single
	// reload message and receives nothing more.
	Buffer int
	// OnRemove is called with the id of every removed session, after the
	// subscription is stopped. The document service uses it to evict
	// session-keyed caches.
	OnRemove func(sessionID string)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Hub is the registry of subscribed sessions. It implements
// domain.Broadcaster.
type Hub struct {
	concurrency int
	buffer      int
	onRemove    func(sessionID string)
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

var _ domain.Broadcaster = (*Hub)(nil)

// New creates an empty hub.
func New(opts Options) *Hub {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		concurrency: opts.Concurrency,
		buffer:      opts.Buffer,
		onRemove:    opts.OnRemove,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "broadcast"),
		subs:        map[string]*Subscription{},
	}
}

// SetOnRemove replaces the removal hook.
func (h *Hub) SetOnRemove(fn func(sessionID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRemove = fn
}

// Add subscribes a session. Session ids must be unique among subscribers.
func (h *Hub) Add(sess *domain.Session) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sess.ID]; ok {
		return nil, domain.ErrConflict("session %q already subscribed", sess.ID)
	}
	sub := &Subscription{session: sess, ch: make(chan Message, h.buffer), done: make(chan struct{})}
	h.subs[sess.ID] = sub
	h.metrics.SetSubscribers(len(h.subs))
	h.logger.Debug("session subscribed", "session", sess.ID)
	return sub, nil
}

// Remove unsubscribes a session and runs the removal hook. Removing an
// unknown session still runs the hook, so state cached for sessions that
// never subscribed is released too.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	delete(h.subs, sessionID)
	n := len(h.subs)
	hook := h.onRemove
	h.mu.Unlock()

	if ok {
		sub.stop()
		h.metrics.SetSubscribers(n)
		h.logger.Debug("session unsubscribed", "session", sessionID)
	}
	if hook != nil {
		hook(sessionID)
	}
}

// Sessions returns the subscribed sessions ordered by id.
func (h *Hub) Sessions() []*domain.Session {
	subs := h.snapshot()
	out := make([]*domain.Session, len(subs))
	for i, sub := range subs {
		out[i] = sub.session
	}
	return out
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) snapshot() []*Subscription {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].session.ID < subs[j].session.ID })
	return subs
}

// Broadcast runs filter for every subscriber and delivers the results. A
// nil update is not delivered; a reload error becomes a reload message.
// Other filter errors are logged and only affect their own session.
// Delivery never waits on a subscriber.
func (h *Hub) Broadcast(ctx context.Context, origin string, filter domain.UpdateFilter) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for _, sub := range h.snapshot() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			update, err := filter(gctx, sub.session)
			switch {
			case domain.IsReloadRequired(err):
				h.deliver(sub, Message{Reload: true}, "reload")
			case err != nil:
				h.logger.Warn("update filtering failed", "origin", origin, "session", sub.session.ID, "error", err)
				h.metrics.RecordDelivery("failed")
			case update == nil:
				h.metrics.RecordDelivery("skipped")
			default:
				h.deliver(sub, Message{Update: update}, "delivered")
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *Hub) deliver(sub *Subscription, msg Message, result string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case <-sub.done:
		h.metrics.RecordDelivery("skipped")
		return
	default:
	}
	if sub.stale {
		h.metrics.RecordDelivery("skipped")
		return
	}
	select {
	case sub.ch <- msg:
		h.metrics.RecordDelivery(result)
		return
	default:
	}

	// Queued updates are useless once one is lost.
drain:
	for {
		select {
		case <-sub.ch:
		default:
			break drain
		}
	}
	select {
	case sub.ch <- Message{Reload: true}:
	default:
	}
	sub.stale = true
	h.metrics.RecordDelivery("overflow")
	h.logger.Warn("subscriber queue full, reload queued", "session", sub.session.ID, "buffer", cap(sub.ch))
}
