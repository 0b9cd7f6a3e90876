package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice lifecycle statuses. Paid is terminal; PendingManualResolution is
// a parking state an operator resolves by hand.
const (
	InvoiceStatusPending          = "pending"
	InvoiceStatusPaid             = "paid"
	InvoiceStatusExpired          = "expired"
	InvoiceStatusManualResolution = "pending_manual_resolution"
)

// Webhook queue item statuses.
const (
	WebhookStatusPending    = "pending"
	WebhookStatusInProgress = "in_progress"
	WebhookStatusSuccess    = "success"
	WebhookStatusFailed     = "failed"
)

// PaymentStatusSettled is the only status the crediting engine writes.
const PaymentStatusSettled = "settled"

// LedgerEntryCreditInvoice marks a ledger entry created by crediting a
// deposit against an invoice.
const LedgerEntryCreditInvoice = "credit_invoice"

// DepositStatusCompleted is the source-side status code for a completed
// deposit (Binance reports 0=pending, 6=credited-but-locked, 1=success).
const DepositStatusCompleted = 1

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// Checkpoint marks how far a polling source has been durably consumed.
// One row per source key; advanced only after the batch it describes is
// committed to deposit_raw.
type Checkpoint struct {
	Key              string    `json:"key"`
	LastInsertTimeMS int64     `json:"last_insert_time_ms"`
	LastTxID         string    `json:"last_tx_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RawDeposit is an externally reported deposit stored verbatim before any
// business interpretation. tx_id is unique per source; re-observing the
// same id is a no-op.
type RawDeposit struct {
	ID             string          `json:"id"`
	TxID           string          `json:"tx_id"`
	Coin           string          `json:"coin"`
	Network        string          `json:"network"`
	Amount         decimal.Decimal `json:"amount"`
	Status         int             `json:"status"`
	Address        string          `json:"address"`
	AddressTag     string          `json:"address_tag,omitempty"`
	InsertTimeMS   int64           `json:"insert_time_ms"`
	CompleteTimeMS int64           `json:"complete_time_ms,omitempty"`
	Raw            json.RawMessage `json:"raw"`
	Processed      bool            `json:"processed"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Confirmations reads the confirmation count out of the raw source payload.
// Binance reports it as "confirmTimes", sometimes in "n/m" form.
func (d *RawDeposit) Confirmations() int {
	var payload struct {
		ConfirmTimes interface{} `json:"confirmTimes"`
	}
	if err := json.Unmarshal(d.Raw, &payload); err != nil {
		return 0
	}
	switch v := payload.ConfirmTimes.(type) {
	case float64:
		return int(v)
	case string:
		var lhs, rhs int
		if _, err := fmt.Sscanf(v, "%d/%d", &lhs, &rhs); err == nil {
			return lhs
		}
		if _, err := fmt.Sscanf(v, "%d", &lhs); err == nil {
			return lhs
		}
	}
	return 0
}

// Invoice is a request for payment published to a payer. PublishAmount is
// the base amount perturbed by the amount-diff nonce; the partial unique
// index on (merchant_id, publish_amount, address) guarantees that an
// observed amount+address pair identifies at most one invoice.
type Invoice struct {
	ID              uuid.UUID              `json:"invoice_id"`
	MerchantID      uuid.UUID              `json:"merchant_id"`
	BaseAmount      decimal.Decimal        `json:"base_amount"`
	PublishAmount   decimal.Decimal        `json:"publish_amount"`
	Currency        string                 `json:"currency"`
	Network         string                 `json:"network,omitempty"`
	Address         string                 `json:"address,omitempty"`
	AddressTag      string                 `json:"address_tag,omitempty"`
	Status          string                 `json:"status"`
	PublishMetadata map[string]interface{} `json:"publish_metadata,omitempty"`
	Expiry          *time.Time             `json:"expiry,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Payment links one raw deposit to one invoice. The unique
// (tx_id, invoice_id) pair prevents the same deposit from crediting the
// same invoice twice, even across process restarts.
type Payment struct {
	ID           uuid.UUID              `json:"payment_id"`
	InvoiceID    uuid.UUID              `json:"invoice_id"`
	DepositRawID string                 `json:"deposit_raw_id"`
	TxID         string                 `json:"tx_id"`
	Amount       decimal.Decimal        `json:"amount"`
	Network      string                 `json:"network,omitempty"`
	Address      string                 `json:"address,omitempty"`
	AddressTag   string                 `json:"address_tag,omitempty"`
	Status       string                 `json:"status"`
	MetaData     map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// LedgerEntry is an append-only signed delta against a merchant balance.
// The table rejects updates and deletes at the storage layer; the access
// layer exposes inserts only.
type LedgerEntry struct {
	ID           uuid.UUID              `json:"ledger_entry_id"`
	MerchantID   uuid.UUID              `json:"merchant_id"`
	ChangeAmount decimal.Decimal        `json:"change_amount"`
	Currency     string                 `json:"currency"`
	EntryType    string                 `json:"entry_type"`
	ReferenceID  *uuid.UUID             `json:"reference_id,omitempty"`
	MetaData     map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// WebhookEvent is one row of the notification outbox. It is written in the
// same transaction as the financial state change it describes and mutated
// only by delivery workers.
type WebhookEvent struct {
	ID             uuid.UUID              `json:"webhook_id"`
	MerchantID     uuid.UUID              `json:"merchant_id"`
	Payload        json.RawMessage        `json:"payload"`
	Headers        map[string]string      `json:"headers,omitempty"`
	Attempts       int                    `json:"attempts"`
	LastError      string                 `json:"last_error,omitempty"`
	Status         string                 `json:"status"`
	IdempotencyKey string                 `json:"idempotency_key"`
	NextAttemptAt  *time.Time             `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	MetaData       map[string]interface{} `json:"-"`
}

// SettlementPayload is the body delivered to the merchant when an invoice
// settles.
type SettlementPayload struct {
	InvoiceID      string          `json:"invoiceId"`
	MerchantID     string          `json:"merchantId"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Network        string          `json:"network,omitempty"`
	TxHash         string          `json:"txHash"`
	Confirmations  int             `json:"confirmations"`
	ConfirmedAt    int64           `json:"confirmedAt,omitempty"`
	UsedAmountDiff bool            `json:"usedAmountDiff"`
}

// Merchant is the downstream party notified when its invoices settle.
type Merchant struct {
	ID               uuid.UUID `json:"merchant_id"`
	Name             string    `json:"name"`
	WebhookURL       string    `json:"webhook_url,omitempty"`
	RiskTier         string    `json:"risk_tier"`
	OnboardingStatus string    `json:"onboarding_status"`
	CreatedAt        time.Time `json:"created_at"`
}

// AuditLog is an append-only operator-facing record of a notable action.
type AuditLog struct {
	ID        uuid.UUID              `json:"audit_log_id"`
	Actor     string                 `json:"actor,omitempty"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SystemEvent records a machine-facing event such as a detected collision.
type SystemEvent struct {
	ID        uuid.UUID              `json:"system_event_id"`
	Source    string                 `json:"source"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// BinanceDeposit is the wire shape of one record from the deposit-history
// endpoint. Amount arrives as a string; insertTime/completeTime are epoch
// milliseconds.
type BinanceDeposit struct {
	TxID         string `json:"txId"`
	Coin         string `json:"coin"`
	Network      string `json:"network"`
	Amount       string `json:"amount"`
	Status       int    `json:"status"`
	Address      string `json:"address"`
	AddressTag   string `json:"addressTag"`
	InsertTime   int64  `json:"insertTime"`
	CompleteTime int64  `json:"completeTime"`
	ConfirmTimes string `json:"confirmTimes"`
}
