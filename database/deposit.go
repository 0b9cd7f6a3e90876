package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

// InsertRawDeposit stores an externally observed deposit verbatim. The
// second return value is false when the tx_id has already been stored;
// re-observation of the same deposit is not an error.
func (d Datasource) InsertRawDeposit(ctx context.Context, deposit *model.RawDeposit) (bool, error) {
	if deposit.ID == "" {
		deposit.ID = uuid.New().String()
	}
	deposit.CreatedAt = time.Now()

	var completeTime interface{}
	if deposit.CompleteTimeMS > 0 {
		completeTime = deposit.CompleteTimeMS
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO deposit_raw (id, tx_id, coin, network, amount, status, address, address_tag, insert_time_ms, complete_time_ms, raw, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false)
	`, deposit.ID, deposit.TxID, deposit.Coin, deposit.Network, deposit.Amount.String(), deposit.Status,
		deposit.Address, deposit.AddressTag, deposit.InsertTimeMS, completeTime, []byte(deposit.Raw))

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return false, nil
		}
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert raw deposit", err)
	}

	return true, nil
}

// GetUnprocessedDeposits returns deposits awaiting matching, oldest first.
func (d Datasource) GetUnprocessedDeposits(ctx context.Context, limit int) ([]*model.RawDeposit, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, tx_id, coin, COALESCE(network, ''), amount, status, COALESCE(address, ''), COALESCE(address_tag, ''),
		       insert_time_ms, COALESCE(complete_time_ms, 0), raw, processed, created_at
		FROM deposit_raw
		WHERE processed = false
		ORDER BY insert_time_ms ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve unprocessed deposits", err)
	}
	defer rows.Close()

	deposits := []*model.RawDeposit{}
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, deposit)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over deposits", err)
	}

	return deposits, nil
}

// GetDepositByTxID returns the stored deposit for a source transaction id.
func (d Datasource) GetDepositByTxID(ctx context.Context, txID string) (*model.RawDeposit, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, tx_id, coin, COALESCE(network, ''), amount, status, COALESCE(address, ''), COALESCE(address_tag, ''),
		       insert_time_ms, COALESCE(complete_time_ms, 0), raw, processed, created_at
		FROM deposit_raw
		WHERE tx_id = $1
	`, txID)

	return scanDeposit(row)
}

// MarkDepositProcessed flags a deposit that will never credit an invoice,
// such as one in an unsupported coin, so it is not claimed again.
func (d Datasource) MarkDepositProcessed(ctx context.Context, id string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE deposit_raw SET processed = true WHERE id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark deposit processed", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeposit(row rowScanner) (*model.RawDeposit, error) {
	deposit := model.RawDeposit{}
	var amountStr string
	var raw []byte

	err := row.Scan(&deposit.ID, &deposit.TxID, &deposit.Coin, &deposit.Network, &amountStr, &deposit.Status,
		&deposit.Address, &deposit.AddressTag, &deposit.InsertTimeMS, &deposit.CompleteTimeMS,
		&raw, &deposit.Processed, &deposit.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Deposit not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan deposit data", err)
	}

	amount, err := parseAmount(amountStr)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse deposit amount", err)
	}
	deposit.Amount = amount
	deposit.Raw = raw
	return &deposit, nil
}
