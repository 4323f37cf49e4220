// Package document coordinates one open document: it runs bundles of
// changes through access control, commits them to the store, records
// them in the action log and broadcasts the filtered results.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"doc-access/internal/access"
	"doc-access/internal/acl"
	"doc-access/internal/broadcast"
	"doc-access/internal/domain"
	"doc-access/internal/metrics"
)

// Options configures a Service.
type Options struct {
	DocID     string
	Store     domain.DocumentStore
	ActionLog domain.ActionLogRepository
	Hub       *broadcast.Hub
	Directory domain.UserDirectory
	Compiler  acl.Compiler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	RecoveryMode bool
}

// Service is the coordinator of one document.
type Service struct {
	store  domain.DocumentStore
	log    domain.ActionLogRepository
	hub    *broadcast.Hub
	engine *access.Engine
	logger *slog.Logger

	// mu serializes bundles.
	mu sync.Mutex
}

// NewService creates the service and its access engine. The hub's removal
// hook is pointed at the engine so that unsubscribing evicts cached
// session state. Call Load before use.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := access.New(access.Options{
		Fetcher:      opts.Store,
		Compiler:     opts.Compiler,
		Directory:    opts.Directory,
		Broadcaster:  opts.Hub,
		Metrics:      opts.Metrics,
		Logger:       logger,
		RecoveryMode: opts.RecoveryMode,
		DocID:        opts.DocID,
	})
	opts.Hub.SetOnRemove(engine.SessionClosed)
	return &Service{
		store:  opts.Store,
		log:    opts.ActionLog,
		hub:    opts.Hub,
		engine: engine,
		logger: logger.With("component", "document", "doc", opts.DocID),
	}
}

// Load reads the access rules from the store.
func (s *Service) Load(ctx context.Context) error {
	return s.engine.Load(ctx)
}

// Engine returns the access engine of the document.
func (s *Service) Engine() *access.Engine { return s.engine }

// Request is a set of changes proposed by a session.
type Request struct {
	UserActions []domain.UserAction `json:"userActions"`
	DocActions  domain.ActionList   `json:"docActions"`
	Undo        domain.ActionList   `json:"undo"`
	IsDirect    []bool              `json:"isDirect,omitempty"`
	Desc        string              `json:"desc,omitempty"`
}

// Result identifies an applied bundle.
type Result struct {
	ActionNum  int64  `json:"actionNum"`
	ActionHash string `json:"actionHash"`
}

// Apply checks, commits and broadcasts a bundle. Nothing is stored when
// the check fails. A failure after the commit skips the broadcast.
func (s *Service) Apply(ctx context.Context, sess *domain.Session, req Request) (*Result, error) {
	if len(req.DocActions) == 0 {
		return nil, domain.ErrValidation("no doc actions to apply")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.engine.Precheck(ctx, sess, req.UserActions); err != nil {
		return nil, err
	}
	b, err := s.engine.OpenBundle(sess, access.BundleInput{
		UserActions: req.UserActions,
		DocActions:  req.DocActions,
		Undo:        req.Undo,
		IsDirect:    req.IsDirect,
	})
	if err != nil {
		return nil, err
	}
	defer b.Close()

	if err := b.CanApply(ctx); err != nil {
		return nil, err
	}
	if err := s.store.ApplyActions(ctx, req.DocActions); err != nil {
		return nil, fmt.Errorf("commit bundle: %w", err)
	}
	if err := b.Applied(); err != nil {
		return nil, err
	}

	entry := &domain.ActionLogEntry{
		SessionID:  sess.ID,
		UserEmail:  sess.User.Email,
		Desc:       req.Desc,
		DocActions: req.DocActions,
		Undo:       req.Undo,
	}
	if err := s.log.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("record bundle: %w", err)
	}
	usage, err := s.store.Usage(ctx)
	if err != nil {
		return nil, fmt.Errorf("document usage: %w", err)
	}
	group := &domain.ActionGroup{
		ActionNum:     entry.ActionNum,
		ActionHash:    entry.ActionHash,
		Desc:          entry.Desc,
		Time:          entry.CreatedAt.UnixMilli(),
		User:          entry.UserEmail,
		Primary:       true,
		ActionSummary: Summarize(req.DocActions),
	}
	if err := b.SendDocUpdate(ctx, group, usage); err != nil {
		return nil, fmt.Errorf("broadcast bundle: %w", err)
	}
	s.logger.Info("bundle applied", "session", sess.ID, "action_num", entry.ActionNum, "actions", len(req.DocActions))
	return &Result{ActionNum: entry.ActionNum, ActionHash: entry.ActionHash}, nil
}

// Prefilter removes from an undo request the changes the session may not
// make.
func (s *Service) Prefilter(ctx context.Context, sess *domain.Session, actions []domain.UserAction) ([]domain.UserAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.PrefilterUserActions(ctx, sess, actions)
}

// Subscribe connects a session to the document's broadcasts.
func (s *Service) Subscribe(sess *domain.Session) (*broadcast.Subscription, error) {
	if sess.ID == "" {
		return nil, domain.ErrValidation("session id is required")
	}
	return s.hub.Add(sess)
}

// Unsubscribe disconnects a session and evicts its cached access state.
func (s *Service) Unsubscribe(sessionID string) {
	s.hub.Remove(sessionID)
}

// History returns the latest applied bundles as the session may see them.
func (s *Service) History(ctx context.Context, sess *domain.Session, limit int) ([]domain.ActionGroup, error) {
	entries, err := s.log.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ActionGroup, 0, len(entries))
	for _, entry := range entries {
		group := &domain.ActionGroup{
			ActionNum:     entry.ActionNum,
			ActionHash:    entry.ActionHash,
			Desc:          entry.Desc,
			Time:          entry.CreatedAt.UnixMilli(),
			User:          entry.UserEmail,
			Primary:       true,
			ActionSummary: Summarize(entry.DocActions),
		}
		filtered, err := s.engine.FilterActionGroup(ctx, sess, group)
		if err != nil {
			return nil, err
		}
		out = append(out, *filtered)
	}
	return out, nil
}
