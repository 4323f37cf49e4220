package document

import (
	"context"

	"doc-access/internal/access"
	"doc-access/internal/acl"
	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// TableReport is the access a session has to one user table.
type TableReport struct {
	TableID  string                                    `json:"tableId"`
	Table    map[acl.Permission]acl.Outcome            `json:"table"`
	Columns  map[string]map[acl.Permission]acl.Outcome `json:"columns"`
	RuleType string                                    `json:"ruleType,omitempty"`
}

// AccessReport summarizes what a session may do with the document.
type AccessReport struct {
	User               map[string]any       `json:"user"`
	NominalAccess      domain.Role          `json:"nominalAccess"`
	Override           *access.UserOverride `json:"override,omitempty"`
	CanReadEverything  bool                 `json:"canReadEverything"`
	CanCopyEverything  bool                 `json:"canCopyEverything"`
	CanViewAccessRules bool                 `json:"canViewAccessRules"`
	Tables             []TableReport        `json:"tables"`
}

// Access evaluates the rules for a session against every user table.
func (s *Service) Access(ctx context.Context, sess *domain.Session) (*AccessReport, error) {
	e := s.engine
	user, err := e.User(ctx, sess)
	if err != nil {
		return nil, err
	}
	report := &AccessReport{User: user}
	if report.NominalAccess, err = e.NominalAccess(ctx, sess); err != nil {
		return nil, err
	}
	if report.Override, err = e.UserOverride(ctx, sess); err != nil {
		return nil, err
	}
	if report.CanReadEverything, err = e.CanReadEverything(ctx, sess); err != nil {
		return nil, err
	}
	if report.CanCopyEverything, err = e.CanCopyEverything(ctx, sess); err != nil {
		return nil, err
	}
	if report.CanViewAccessRules, err = e.HasAccessRulesPermission(ctx, sess); err != nil {
		return nil, err
	}

	tables, err := s.store.TableIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, tableID := range tables {
		tableAccess, err := e.TableAccess(ctx, sess, tableID)
		if err != nil {
			return nil, err
		}
		tr := TableReport{
			TableID:  tableID,
			Table:    outcomes(tableAccess),
			Columns:  map[string]map[acl.Permission]acl.Outcome{},
			RuleType: tableAccess.RuleType,
		}
		cols, err := s.columnIDs(ctx, tableID)
		if err != nil {
			return nil, err
		}
		for _, colID := range cols {
			colAccess, err := e.ColumnAccess(ctx, sess, tableID, colID)
			if err != nil {
				return nil, err
			}
			tr.Columns[colID] = outcomes(colAccess)
		}
		report.Tables = append(report.Tables, tr)
	}
	return report, nil
}

func outcomes(set acl.PermissionSet) map[acl.Permission]acl.Outcome {
	out := make(map[acl.Permission]acl.Outcome, len(acl.AllPermissions))
	for _, p := range acl.AllPermissions {
		out[p] = set.Get(p)
	}
	return out
}

// columnIDs returns the sorted column ids of a table without reading rows.
func (s *Service) columnIDs(ctx context.Context, tableID string) ([]string, error) {
	empty, err := s.store.FetchRows(ctx, domain.Query{
		TableID: tableID,
		Filters: map[string][]domain.CellValue{"id": {}},
	})
	if err != nil {
		return nil, err
	}
	return empty.Values.ColumnIDs(), nil
}

// Table returns the rows and columns of a user table the session may read.
func (s *Service) Table(ctx context.Context, sess *domain.Session, tableID string) (*domain.TableData, error) {
	if domain.IsMetadataTable(tableID) {
		return nil, domain.ErrValidation("use the metadata view for %s", tableID)
	}
	ok, err := s.engine.HasTableAccess(ctx, sess, tableID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAccessDenied("Blocked by table read access rules")
	}
	data, err := s.store.FetchRows(ctx, domain.Query{TableID: tableID})
	if err != nil {
		return nil, err
	}
	if err := s.engine.FilterData(ctx, sess, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Metadata returns the structural tables as the session may see them.
func (s *Service) Metadata(ctx context.Context, sess *domain.Session) (map[string]*domain.TableData, error) {
	return s.engine.FilterMetaTables(ctx, sess, s.engine.MetaTables())
}

// Cell returns one cell value.
func (s *Service) Cell(ctx context.Context, sess *domain.Session, cell access.Cell) (domain.CellValue, error) {
	return s.engine.CellValue(ctx, sess, cell)
}

// Attachment returns the metadata of an attachment referenced from a cell
// the session may read.
func (s *Service) Attachment(ctx context.Context, sess *domain.Session, cell access.Cell, attID int64) (map[string]domain.CellValue, error) {
	if err := s.engine.AssertAttachmentAccess(ctx, sess, cell, attID); err != nil {
		return nil, err
	}
	rows, err := s.store.FetchRows(ctx, domain.Query{
		TableID: docdata.AttachmentsTable,
		Filters: map[string][]domain.CellValue{"id": {attID}},
	})
	if err != nil {
		return nil, err
	}
	if len(rows.RowIDs) == 0 {
		return nil, domain.ErrNotFound("attachment %d not found", attID)
	}
	rec := docdata.NewRecordView(rows, 0)
	return rec.Fields(), nil
}

// ViewAsCandidates lists users an owner may view the document as.
func (s *Service) ViewAsCandidates(ctx context.Context, sess *domain.Session) ([]access.ViewAsUser, error) {
	if !s.engine.IsOwner(sess) {
		return nil, domain.ErrAccessDenied("only an owner can list view-as users")
	}
	users, err := s.engine.ViewAsUsersFromAttributeTables(ctx)
	if err != nil {
		return nil, err
	}
	return append(users, access.ExampleViewAsUsers()...), nil
}
