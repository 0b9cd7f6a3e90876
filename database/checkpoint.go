package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

// LoadCheckpoint returns the stored checkpoint for key, or nil when the
// source has never been polled.
func (d Datasource) LoadCheckpoint(ctx context.Context, key string) (*model.Checkpoint, error) {
	cp := model.Checkpoint{}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT key, COALESCE(last_insert_time_ms, 0), COALESCE(last_tx_id, ''), updated_at
		FROM poller_checkpoints
		WHERE key = $1
	`, key)

	err := row.Scan(&cp.Key, &cp.LastInsertTimeMS, &cp.LastTxID, &cp.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to load checkpoint", err)
	}

	return &cp, nil
}

// SaveCheckpoint upserts the checkpoint row. The cursor never moves
// backwards: a save below the stored value keeps the stored cursor and
// its tx id, so overlap re-covers that fall behind the checkpoint
// cannot rewind it. Callers only save after the batch the checkpoint
// describes has been committed.
func (d Datasource) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	cp.UpdatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO poller_checkpoints (key, last_insert_time_ms, last_tx_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET last_insert_time_ms = GREATEST(poller_checkpoints.last_insert_time_ms, EXCLUDED.last_insert_time_ms),
		    last_tx_id = CASE
		        WHEN EXCLUDED.last_insert_time_ms >= poller_checkpoints.last_insert_time_ms THEN EXCLUDED.last_tx_id
		        ELSE poller_checkpoints.last_tx_id
		    END,
		    updated_at = EXCLUDED.updated_at
	`, cp.Key, cp.LastInsertTimeMS, cp.LastTxID, cp.UpdatedAt)

	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save checkpoint", err)
	}
	return nil
}
