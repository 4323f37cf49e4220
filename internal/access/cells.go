package access

import (
	"context"
	"errors"
	"maps"

	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// Cell addresses one cell of a user table.
type Cell struct {
	TableID string `json:"tableId"`
	RowID   int64  `json:"rowId"`
	ColID   string `json:"colId"`
}

func errCannotAccessCell() error { return domain.ErrAccessDenied("Cannot access cell") }

// CellValue returns the content of a cell if the session may read it.
func (e *Engine) CellValue(ctx context.Context, sess *domain.Session, cell Cell) (domain.CellValue, error) {
	ok, err := e.HasTableAccess(ctx, sess, cell.TableID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.noteDenial(errCannotAccessCell())
	}
	rows, err := e.fetcher.FetchRows(ctx, domain.Query{
		TableID: cell.TableID,
		Filters: map[string][]domain.CellValue{"id": {cell.RowID}},
	})
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return nil, e.noteDenial(errCannotAccessCell())
	}
	if err != nil {
		return nil, err
	}
	if rows == nil || len(rows.RowIDs) == 0 {
		return nil, e.noteDenial(errCannotAccessCell())
	}
	rec := docdata.NewRecordView(rows, 0)
	if !sess.HasExceptionalAccess() {
		user, err := e.getUser(ctx, sess)
		if err != nil {
			return nil, err
		}
		info := acl.NewPermissionInfo(e.ruler.Rules(), acl.Input{User: user, Rec: &rec, NewRec: &rec}, e.logger)
		rowAccess := info.TableAccess(cell.TableID).Get(acl.PermRead)
		if rowAccess == acl.Deny {
			return nil, e.noteDenial(errCannotAccessCell())
		}
		if rowAccess != acl.Allow && info.ColumnAccess(cell.TableID, cell.ColID).Get(acl.PermRead) == acl.Deny {
			return nil, e.noteDenial(errCannotAccessCell())
		}
	}
	if _, ok := rows.Values[cell.ColID]; !ok {
		return nil, e.noteDenial(errCannotAccessCell())
	}
	return rec.Get(cell.ColID), nil
}

// AssertAttachmentAccess fails unless the session may read the cell and
// the cell refers to the attachment.
func (e *Engine) AssertAttachmentAccess(ctx context.Context, sess *domain.Session, cell Cell, attID int64) error {
	value, err := e.CellValue(ctx, sess, cell)
	if err != nil {
		return err
	}
	if e.columnType(cell.TableID, cell.ColID) != "Attachments" {
		return e.noteDenial(domain.ErrAccessDenied("not an attachment column"))
	}
	list, ok := value.([]any)
	if !ok || len(list) == 0 || list[0] != "L" {
		return e.noteDenial(domain.ErrAccessDenied("not a list"))
	}
	for _, v := range list[1:] {
		if docdata.CellEqual(v, attID) {
			return nil
		}
	}
	return e.noteDenial(domain.ErrAccessDenied("attachment not present in cell"))
}

// FilterData removes in place the rows and columns of a table snapshot
// that the session may not read. Cells hidden by row-dependent column
// rules are replaced by the censored marker.
func (e *Engine) FilterData(ctx context.Context, sess *domain.Session, data *domain.TableData) error {
	if sess.HasExceptionalAccess() {
		return nil
	}
	info, err := e.permissionInfo(ctx, sess)
	if err != nil {
		return err
	}
	tableID := data.TableID
	if info.TableAccess(tableID).Get(acl.PermRead) == acl.Mixed {
		filtered, _, err := e.filterRowsAndCells(ctx, e.ruler, sess, data, data, data, e.readCheck(sess), true)
		if err != nil {
			return err
		}
		if td, ok := filtered.(*domain.TableData); ok {
			data.RowIDs, data.Values = td.RowIDs, td.Values
		}
	}
	for colID := range data.Values {
		if colID == "manualSort" {
			continue
		}
		if info.ColumnAccess(tableID, colID).Get(acl.PermRead) == acl.Deny {
			delete(data.Values, colID)
		}
	}
	return nil
}

// FilterMetaTables returns the metadata tables as the session may see
// them. Rows of hidden tables, columns, views, sections and fields are
// kept with their identifying fields blanked. The input is not modified.
func (e *Engine) FilterMetaTables(ctx context.Context, sess *domain.Session, tables map[string]*domain.TableData) (map[string]*domain.TableData, error) {
	ok, err := e.CanReadEverything(ctx, sess)
	if err != nil {
		return nil, err
	}
	if ok {
		return tables, nil
	}
	out := maps.Clone(tables)
	for tableID, t := range out {
		out[tableID] = t.Clone()
	}
	info, err := e.permissionInfo(ctx, sess)
	if err != nil {
		return nil, err
	}
	canViewACLs, err := e.HasAccessRulesPermission(ctx, sess)
	if err != nil {
		return nil, err
	}
	censor := newCensorship(info, out, canViewACLs)
	for _, tableID := range docdata.StructuralTables {
		if t := out[tableID]; t != nil {
			censor.apply(t)
		}
	}
	return out, nil
}
