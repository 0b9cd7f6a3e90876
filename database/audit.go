package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

// RecordAuditLog appends an audit entry. The table rejects any later
// update or delete at the storage layer.
func (d Datasource) RecordAuditLog(ctx context.Context, a *model.AuditLog) error {
	detailsJSON, err := json.Marshal(a.Details)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal audit details", err)
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, details)
		VALUES ($1, $2, $3, $4)
	`, a.ID, a.Actor, a.Action, detailsJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record audit log", err)
	}
	return nil
}

// RecordSystemEvent appends a machine-facing event.
func (d Datasource) RecordSystemEvent(ctx context.Context, e *model.SystemEvent) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal event payload", err)
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO system_events (id, source, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, e.ID, e.Source, e.EventType, payloadJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record system event", err)
	}
	return nil
}
