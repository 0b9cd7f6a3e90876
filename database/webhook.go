package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

const webhookColumns = `
	id, merchant_id, payload, COALESCE(headers, '{}'::jsonb), attempts, COALESCE(last_error, ''), status, COALESCE(idempotency_key, ''), next_attempt_at, created_at
`

// ClaimDueWebhooks atomically claims up to limit due pending outbox rows,
// moving them to in_progress so concurrent dispatchers never double-send.
func (d Datasource) ClaimDueWebhooks(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE webhook_queue SET status = $1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM webhook_queue
			WHERE status = $2 AND (next_attempt_at IS NULL OR next_attempt_at <= now())
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+webhookColumns, model.WebhookStatusInProgress, model.WebhookStatusPending, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim due webhooks", err)
	}
	defer rows.Close()

	events := []*model.WebhookEvent{}
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over webhooks", err)
	}

	return events, nil
}

// ReclaimStaleWebhooks returns in_progress rows whose claim is older than
// olderThan to pending. A claim that old means the claiming process died
// between the claim commit and the enqueue, or the queued task was lost;
// either way the row must become claimable again. Returns the number of
// rows reclaimed.
func (d Datasource) ReclaimStaleWebhooks(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_queue
		SET status = $1, next_attempt_at = now(), claimed_at = NULL
		WHERE status = $2 AND claimed_at IS NOT NULL AND claimed_at < now() - make_interval(secs => $3)
	`, model.WebhookStatusPending, model.WebhookStatusInProgress, olderThan.Seconds())
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reclaim stale webhooks", err)
	}
	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count reclaimed webhooks", err)
	}
	return reclaimed, nil
}

// GetWebhookEvent retrieves one outbox row.
func (d Datasource) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_queue
		WHERE id = $1
	`, id)
	return scanWebhookEvent(row)
}

// MarkWebhookSuccess finalizes a delivered webhook.
func (d Datasource) MarkWebhookSuccess(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_queue
		SET status = $1, attempts = $2, last_error = NULL
		WHERE id = $3
	`, model.WebhookStatusSuccess, attempts, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark webhook success", err)
	}
	return nil
}

// RescheduleWebhook returns a webhook to pending with the next attempt time.
func (d Datasource) RescheduleWebhook(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttempt time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_queue
		SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $5
	`, model.WebhookStatusPending, attempts, lastError, nextAttempt, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reschedule webhook", err)
	}
	return nil
}

// MarkWebhookFailed parks a webhook after its attempts are exhausted.
func (d Datasource) MarkWebhookFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_queue
		SET status = $1, attempts = $2, last_error = $3
		WHERE id = $4
	`, model.WebhookStatusFailed, attempts, lastError, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark webhook failed", err)
	}
	return nil
}

func scanWebhookEvent(row rowScanner) (*model.WebhookEvent, error) {
	event := model.WebhookEvent{}
	var merchantID uuid.NullUUID
	var payload, headersJSON []byte
	var nextAttempt sql.NullTime

	err := row.Scan(&event.ID, &merchantID, &payload, &headersJSON, &event.Attempts,
		&event.LastError, &event.Status, &event.IdempotencyKey, &nextAttempt, &event.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Webhook not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan webhook data", err)
	}

	if merchantID.Valid {
		event.MerchantID = merchantID.UUID
	}
	event.Payload = payload
	if len(headersJSON) > 0 {
		if err = json.Unmarshal(headersJSON, &event.Headers); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal webhook headers", err)
		}
	}
	if nextAttempt.Valid {
		event.NextAttemptAt = &nextAttempt.Time
	}

	return &event, nil
}
