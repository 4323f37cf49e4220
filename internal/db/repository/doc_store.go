// Package repository stores documents and their action history in SQLite.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// Tables of the SQLite file that are not document tables.
var internalTables = map[string]bool{
	"action_log":       true,
	"goose_db_version": true,
	"sqlite_sequence":  true,
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DocStore keeps the tables of one document, user and metadata alike, as
// SQLite tables with an integer id and one JSON text column per column.
// It implements domain.DocumentStore.
type DocStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	logger  *slog.Logger
}

var _ domain.DocumentStore = (*DocStore)(nil)

// NewDocStore creates a store over a migrated document file.
func NewDocStore(writeDB, readDB *sql.DB, logger *slog.Logger) *DocStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocStore{writeDB: writeDB, readDB: readDB, logger: logger.With("component", "docstore")}
}

// columns returns the column ids of a table, without id. ok is false when
// the table does not exist.
func columns(ctx context.Context, q querier, tableID string) (cols []string, ok bool, err error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, tableID)
	if err != nil {
		return nil, false, fmt.Errorf("columns of %s: %w", tableID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, false, err
		}
		ok = true
		if name != "id" {
			cols = append(cols, name)
		}
	}
	return cols, ok, rows.Err()
}

// FetchRows implements domain.RowFetcher. Row id filters are evaluated in
// SQL, other filters with the same cell comparison the engine uses.
func (s *DocStore) FetchRows(ctx context.Context, q domain.Query) (*domain.TableData, error) {
	cols, ok, err := columns(ctx, s.readDB, q.TableID)
	if err != nil {
		return nil, err
	}
	if !ok || internalTables[q.TableID] {
		return nil, domain.ErrNotFound("table %q not found", q.TableID)
	}

	selected := make([]string, 0, len(cols)+1)
	selected = append(selected, quoteIdent("id"))
	for _, c := range cols {
		selected = append(selected, quoteIdent(c))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selected, ", "), quoteIdent(q.TableID))
	var args []any
	if ids, ok := q.Filters["id"]; ok {
		if len(ids) == 0 {
			return emptyTable(q.TableID, cols), nil
		}
		query += " WHERE " + quoteIdent("id") + " IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, docdata.AsInt(id))
		}
	}
	query += " ORDER BY " + quoteIdent("id")

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.TableID, err)
	}
	defer rows.Close()

	out := emptyTable(q.TableID, cols)
	texts := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols)+1)
	var rowID int64
	dest[0] = &rowID
	for i := range texts {
		dest[i+1] = &texts[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.TableID, err)
		}
		out.RowIDs = append(out.RowIDs, rowID)
		for i, c := range cols {
			v, err := decodeCell(texts[i])
			if err != nil {
				return nil, fmt.Errorf("%s row %d column %s: %w", q.TableID, rowID, c, err)
			}
			out.Values[c] = append(out.Values[c], v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rest := make(map[string][]domain.CellValue, len(q.Filters))
	for colID, values := range q.Filters {
		if colID != "id" {
			rest[colID] = values
		}
	}
	if len(rest) == 0 {
		return out, nil
	}
	mem := docdata.New()
	mem.SetTable(out)
	return mem.FetchRows(ctx, domain.Query{TableID: q.TableID, Filters: rest})
}

func emptyTable(tableID string, cols []string) *domain.TableData {
	t := &domain.TableData{TableID: tableID, RowIDs: []int64{}, Values: domain.BulkColValues{}}
	for _, c := range cols {
		t.Values[c] = []domain.CellValue{}
	}
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// TableIDs returns the user tables of the document, sorted.
func (s *DocStore) TableIDs(ctx context.Context) ([]string, error) {
	all, err := s.allTables(ctx, s.readDB)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range all {
		if !domain.IsMetadataTable(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *DocStore) allTables(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !internalTables[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, rows.Err()
}

// Load reads every table of the document into memory.
func (s *DocStore) Load(ctx context.Context) (*docdata.DocData, error) {
	tables, err := s.allTables(ctx, s.readDB)
	if err != nil {
		return nil, err
	}
	doc := docdata.New()
	for _, tableID := range tables {
		t, err := s.FetchRows(ctx, domain.Query{TableID: tableID})
		if err != nil {
			return nil, err
		}
		doc.SetTable(t)
	}
	return doc, nil
}

// ApplyActions applies doc actions in one transaction. Data actions on
// missing tables are ignored and missing columns are created, as in the
// in-memory document.
func (s *DocStore) ApplyActions(ctx context.Context, actions []domain.Action) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, a := range actions {
		if err := applyAction(ctx, tx, a); err != nil {
			return fmt.Errorf("action %d (%s %s): %w", i, a.Kind(), a.Table(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("actions applied", "count", len(actions))
	return nil
}

func applyAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	switch v := a.(type) {
	case *domain.AddTable:
		defs := []string{quoteIdent("id") + " INTEGER PRIMARY KEY"}
		for _, col := range v.Columns {
			id, _ := col["id"].(string)
			if id == "" || id == "id" {
				continue
			}
			defs = append(defs, quoteIdent(id)+" TEXT")
		}
		return exec(fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(v.TableID), strings.Join(defs, ", ")))
	case *domain.RemoveTable:
		return exec("DROP TABLE IF EXISTS " + quoteIdent(v.TableID))
	case *domain.RenameTable:
		return exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(v.TableID), quoteIdent(v.NewTableID)))
	case *domain.AddColumn:
		return exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quoteIdent(v.TableID), quoteIdent(v.ColID)))
	case *domain.RemoveColumn:
		return exec(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(v.TableID), quoteIdent(v.ColID)))
	case *domain.RenameColumn:
		return exec(fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
			quoteIdent(v.TableID), quoteIdent(v.ColID), quoteIdent(v.NewColID)))
	case *domain.ModifyColumn:
		// Column types live in the metadata tables.
		return nil
	case domain.DataAction:
		return applyData(ctx, tx, domain.ToBulk(v))
	}
	return domain.ErrValidation("cannot store action of kind %s", a.Kind())
}

func applyData(ctx context.Context, tx *sql.Tx, b *domain.Bulk) error {
	if err := b.CheckShape(); err != nil {
		return err
	}
	existing, ok, err := columns(ctx, tx, b.TableID)
	if err != nil || !ok {
		return err
	}
	table := quoteIdent(b.TableID)

	if b.Kind == domain.KindReplaceTableData || b.Kind == domain.KindTableData {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	colIDs := b.Values.ColumnIDs()
	for _, c := range colIDs {
		if c == "id" || slices.Contains(existing, c) {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", table, quoteIdent(c))); err != nil {
			return err
		}
	}
	colIDs = slices.DeleteFunc(colIDs, func(c string) bool { return c == "id" })

	switch {
	case b.Kind.IsRemove():
		for _, id := range b.RowIDs {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+quoteIdent("id")+" = ?", id); err != nil {
				return err
			}
		}
	case b.Kind.IsUpdate():
		if len(colIDs) == 0 {
			return nil
		}
		sets := make([]string, len(colIDs))
		for i, c := range colIDs {
			sets[i] = quoteIdent(c) + " = ?"
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), quoteIdent("id"))
		for i, id := range b.RowIDs {
			args, err := rowArgs(b, colIDs, i)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, append(args, id)...); err != nil {
				return err
			}
		}
	default:
		names := []string{quoteIdent("id")}
		for _, c := range colIDs {
			names = append(names, quoteIdent(c))
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), placeholders(len(names)))
		for i, id := range b.RowIDs {
			args, err := rowArgs(b, colIDs, i)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, append([]any{id}, args...)...); err != nil {
				return err
			}
		}
	}
	return nil
}

func rowArgs(b *domain.Bulk, colIDs []string, i int) ([]any, error) {
	args := make([]any, 0, len(colIDs)+1)
	for _, c := range colIDs {
		var v domain.CellValue
		if col := b.Values[c]; i < len(col) {
			v = col[i]
		}
		text, err := encodeCell(v)
		if err != nil {
			return nil, fmt.Errorf("row %d column %s: %w", b.RowIDs[i], c, err)
		}
		args = append(args, text)
	}
	return args, nil
}

// Usage computes the document's size figures.
func (s *DocStore) Usage(ctx context.Context) (*domain.DocUsageSummary, error) {
	tables, err := s.TableIDs(ctx)
	if err != nil {
		return nil, err
	}
	var rowCount int64
	for _, t := range tables {
		var n int64
		if err := s.readDB.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(t)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		rowCount += n
	}

	var pages, pageSize int64
	if err := s.readDB.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if err := s.readDB.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("page size: %w", err)
	}

	attachments, err := s.FetchRows(ctx, domain.Query{TableID: docdata.AttachmentsTable})
	if err != nil {
		return nil, err
	}
	var attachBytes int64
	for _, size := range attachments.Values["fileSize"] {
		attachBytes += docdata.AsInt(size)
	}

	return &domain.DocUsageSummary{
		RowCount:             domain.Usage(rowCount),
		DataSizeBytes:        domain.Usage(pages * pageSize),
		AttachmentsSizeBytes: domain.Usage(attachBytes),
	}, nil
}
