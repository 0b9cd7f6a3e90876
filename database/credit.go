/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

// ErrInvoiceNotPending is returned when the invoice left the pending state
// between candidate selection and the row lock. The deposit stays
// unprocessed and will be reconsidered on the next pass.
var ErrInvoiceNotPending = errors.New("invoice is no longer pending")

// ErrAlreadyCredited is returned when a payment for the same (tx_id,
// invoice_id) pair already exists. A previous crediting transaction
// committed fully, so there is nothing left to do.
var ErrAlreadyCredited = errors.New("deposit already credited against invoice")

// CreditParams carries everything the crediting transaction needs.
type CreditParams struct {
	InvoiceID      uuid.UUID
	Deposit        *model.RawDeposit
	Confirmations  int
	UsedAmountDiff bool
}

// CreditResult reports the rows created by a successful credit.
type CreditResult struct {
	PaymentID uuid.UUID
	WebhookID uuid.UUID
}

// CreditDeposit performs the settlement writes in one transaction: lock the
// invoice row, re-check it is still pending, insert the payment and ledger
// entry, flip the invoice to paid, enqueue the merchant webhook, and mark
// the deposit processed. Either all of it commits or none of it does.
func (d Datasource) CreditDeposit(ctx context.Context, params CreditParams) (*CreditResult, error) {
	ctx, span := otel.Tracer("Credit deposit").Start(ctx, "Crediting deposit against invoice")
	defer span.End()

	deposit := params.Deposit

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Lock the invoice for the duration of the transaction.
	var merchantID uuid.UUID
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT merchant_id, status
		FROM invoices
		WHERE id = $1
		FOR UPDATE
	`, params.InvoiceID).Scan(&merchantID, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Invoice not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock invoice", err)
	}
	if status != model.InvoiceStatusPending {
		return nil, ErrInvoiceNotPending
	}

	paymentID := uuid.New()
	paymentMeta, err := json.Marshal(map[string]interface{}{"used_amount_diff": params.UsedAmountDiff})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payment metadata", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, deposit_raw_id, tx_id, amount, network, address, address_tag, status, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, paymentID, params.InvoiceID, deposit.ID, deposit.TxID, deposit.Amount.String(),
		deposit.Network, deposit.Address, deposit.AddressTag, model.PaymentStatusSettled, paymentMeta)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrAlreadyCredited
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert payment", err)
	}

	ledgerMeta, err := json.Marshal(map[string]interface{}{
		"invoice_id":    params.InvoiceID.String(),
		"tx_id":         deposit.TxID,
		"confirmations": params.Confirmations,
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal ledger metadata", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, merchant_id, change_amount, currency, entry_type, reference_id, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), merchantID, deposit.Amount.String(), "USDT", model.LedgerEntryCreditInvoice, paymentID, ledgerMeta)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert ledger entry", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices SET status = $1 WHERE id = $2
	`, model.InvoiceStatusPaid, params.InvoiceID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update invoice status", err)
	}

	payload, err := json.Marshal(model.SettlementPayload{
		InvoiceID:      params.InvoiceID.String(),
		MerchantID:     merchantID.String(),
		Status:         model.InvoiceStatusPaid,
		Amount:         deposit.Amount,
		Currency:       "USDT",
		Network:        deposit.Network,
		TxHash:         deposit.TxID,
		Confirmations:  params.Confirmations,
		ConfirmedAt:    deposit.CompleteTimeMS,
		UsedAmountDiff: params.UsedAmountDiff,
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal webhook payload", err)
	}

	webhookID := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_queue (id, merchant_id, payload, headers, status, idempotency_key, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, webhookID, merchantID, payload, []byte(`{}`), model.WebhookStatusPending,
		"settlement:"+paymentID.String(), time.Now())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue webhook", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE deposit_raw SET processed = true WHERE id = $1
	`, deposit.ID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark deposit processed", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit credit transaction", err)
	}

	return &CreditResult{PaymentID: paymentID, WebhookID: webhookID}, nil
}

// ParkCollidingInvoices moves every colliding invoice to manual resolution
// and records the collision in the audit log and system events, all in one
// transaction. The deposit is left unprocessed for an operator.
func (d Datasource) ParkCollidingInvoices(ctx context.Context, txID string, invoiceIDs []uuid.UUID) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ids := make([]string, len(invoiceIDs))
	for i, id := range invoiceIDs {
		ids[i] = id.String()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices SET status = $1
		WHERE id = ANY($2) AND status = $3
	`, model.InvoiceStatusManualResolution, pq.Array(ids), model.InvoiceStatusPending)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to park colliding invoices", err)
	}

	details, err := json.Marshal(map[string]interface{}{"tx": txID, "matches": ids})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal collision details", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, details)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), "poller", "collision_detected", details)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record collision audit log", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_events (id, source, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), "poller", "collision", details)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record collision system event", err)
	}

	if err = tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit collision transaction", err)
	}

	return nil
}
