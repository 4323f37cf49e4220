package access

import (
	"context"

	"doc-access/internal/domain"
)

// FilterDocUsage hides the data limit state from non-editors, and size
// figures from anyone who cannot edit and read the whole document.
func (e *Engine) FilterDocUsage(ctx context.Context, sess *domain.Session, usage *domain.DocUsageSummary) (*domain.DocUsageSummary, error) {
	role, err := e.NominalAccess(ctx, sess)
	if err != nil {
		return nil, err
	}
	return e.filterDocUsageAs(ctx, sess, usage, role)
}

func (e *Engine) filterDocUsageAs(ctx context.Context, sess *domain.Session, usage *domain.DocUsageSummary, role domain.Role) (*domain.DocUsageSummary, error) {
	if usage == nil {
		return nil, nil
	}
	out := *usage
	if !role.CanEdit() {
		out.DataLimitStatus = nil
	}
	visible := role.CanEdit()
	if visible {
		ok, err := e.canReadEverythingAs(ctx, sess, role)
		if err != nil {
			return nil, err
		}
		visible = ok
	}
	if !visible {
		hidden := domain.HiddenUsage
		out.RowCount, out.DataSizeBytes, out.AttachmentsSizeBytes = &hidden, &hidden, &hidden
	}
	return &out, nil
}

func (e *Engine) filterActionGroupAs(ctx context.Context, sess *domain.Session, group *domain.ActionGroup, role domain.Role) (*domain.ActionGroup, error) {
	if group == nil {
		return nil, nil
	}
	ok, err := e.canReadEverythingAs(ctx, sess, role)
	if err != nil {
		return nil, err
	}
	if ok {
		return group, nil
	}
	out := *group
	out.ActionSummary = domain.EmptyActionSummary()
	out.Desc = ""
	return &out, nil
}
