package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"doc-access/internal/domain"
)

// ActionLogRepo implements domain.ActionLogRepository.
type ActionLogRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

var _ domain.ActionLogRepository = (*ActionLogRepo)(nil)

func NewActionLogRepo(writeDB, readDB *sql.DB) *ActionLogRepo {
	return &ActionLogRepo{writeDB: writeDB, readDB: readDB}
}

// Append implements domain.ActionLogRepository. The hash covers the doc
// actions.
func (r *ActionLogRepo) Append(ctx context.Context, entry *domain.ActionLogEntry) error {
	docActions, err := json.Marshal(domain.ActionList(entry.DocActions))
	if err != nil {
		return fmt.Errorf("encode doc actions: %w", err)
	}
	undo, err := json.Marshal(domain.ActionList(entry.Undo))
	if err != nil {
		return fmt.Errorf("encode undo actions: %w", err)
	}
	sum := sha256.Sum256(docActions)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.ActionHash = hex.EncodeToString(sum[:])

	res, err := r.writeDB.ExecContext(ctx,
		`INSERT INTO action_log (action_hash, session_id, user_email, description, doc_actions, undo_actions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ActionHash, entry.SessionID, entry.UserEmail, entry.Desc,
		string(docActions), string(undo), entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	entry.ActionNum, err = res.LastInsertId()
	return err
}

const actionLogColumns = `action_num, action_hash, session_id, user_email, description, doc_actions, undo_actions, created_at`

func (r *ActionLogRepo) Get(ctx context.Context, actionNum int64) (*domain.ActionLogEntry, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+actionLogColumns+` FROM action_log WHERE action_num = ?`, actionNum)
	entry, err := scanActionLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("action %d not found", actionNum)
	}
	return entry, err
}

func (r *ActionLogRepo) List(ctx context.Context, limit int) ([]domain.ActionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT `+actionLogColumns+` FROM action_log ORDER BY action_num DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	var out []domain.ActionLogEntry
	for rows.Next() {
		entry, err := scanActionLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActionLog(s scanner) (*domain.ActionLogEntry, error) {
	var (
		entry             domain.ActionLogEntry
		docActions, undo  string
		createdAt         string
		decodedDoc, undos domain.ActionList
	)
	if err := s.Scan(&entry.ActionNum, &entry.ActionHash, &entry.SessionID, &entry.UserEmail,
		&entry.Desc, &docActions, &undo, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(docActions), &decodedDoc); err != nil {
		return nil, fmt.Errorf("action %d: %w", entry.ActionNum, err)
	}
	if err := json.Unmarshal([]byte(undo), &undos); err != nil {
		return nil, fmt.Errorf("action %d undo: %w", entry.ActionNum, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("action %d time: %w", entry.ActionNum, err)
	}
	entry.DocActions, entry.Undo, entry.CreatedAt = decodedDoc, undos, t
	return &entry, nil
}
