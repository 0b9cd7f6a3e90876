package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// CreateInvoice inserts an invoice with its caller-chosen id and publish
// amount. A unique violation on (merchant_id, publish_amount, address)
// surfaces as a conflict so the caller can retry with the next candidate id.
func (d Datasource) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	metadataJSON, err := json.Marshal(inv.PublishMetadata)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal publish metadata", err)
	}

	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = model.InvoiceStatusPending
	}
	if inv.Currency == "" {
		inv.Currency = "USDT"
	}
	inv.CreatedAt = time.Now()

	var address, addressTag, network interface{}
	if inv.Address != "" {
		address = inv.Address
	}
	if inv.AddressTag != "" {
		addressTag = inv.AddressTag
	}
	if inv.Network != "" {
		network = inv.Network
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO invoices (id, merchant_id, base_amount, publish_amount, currency, network, address, address_tag, status, publish_metadata, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, inv.ID, inv.MerchantID, inv.BaseAmount.String(), inv.PublishAmount.String(), inv.Currency,
		network, address, addressTag, inv.Status, metadataJSON, inv.Expiry)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return apierror.NewAPIError(apierror.ErrConflict, "Invoice with this publish amount already exists for merchant and address", err)
			case "foreign_key_violation":
				return apierror.NewAPIError(apierror.ErrNotFound, "Merchant not found", err)
			default:
				return apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create invoice", err)
	}

	return nil
}

const invoiceColumns = `
	SELECT id, merchant_id, base_amount, publish_amount, currency, COALESCE(network, ''), COALESCE(address, ''), COALESCE(address_tag, ''),
	       status, publish_metadata, expiry, created_at
	FROM invoices
`

// GetInvoiceByID retrieves an invoice by ID.
func (d Datasource) GetInvoiceByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	row := d.Conn.QueryRowContext(ctx, invoiceColumns+`WHERE id = $1`, id)
	return scanInvoice(row)
}

// GetCandidateInvoices retrieves the pending invoices published to the same
// destination a deposit arrived on. The address tag narrows the set when the
// deposit carries one.
func (d Datasource) GetCandidateInvoices(ctx context.Context, address, network, addressTag string, limit int) ([]*model.Invoice, error) {
	query := invoiceColumns + `WHERE address = $1 AND network = $2 AND status = $3`
	args := []interface{}{address, network, model.InvoiceStatusPending}
	if addressTag != "" {
		query += ` AND address_tag = $4`
		args = append(args, addressTag)
	}
	query += ` ORDER BY created_at ASC LIMIT ` + strconv.Itoa(limit)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve candidate invoices", err)
	}
	defer rows.Close()

	return collectInvoices(rows)
}

// GetInvoicesByMerchant lists a merchant's invoices, newest first.
func (d Datasource) GetInvoicesByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]*model.Invoice, error) {
	rows, err := d.Conn.QueryContext(ctx, invoiceColumns+`
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, merchantID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve invoices", err)
	}
	defer rows.Close()

	return collectInvoices(rows)
}

func collectInvoices(rows *sql.Rows) ([]*model.Invoice, error) {
	invoices := []*model.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over invoices", err)
	}
	return invoices, nil
}

func scanInvoice(row rowScanner) (*model.Invoice, error) {
	inv := model.Invoice{}
	var baseAmountStr, publishAmountStr string
	var metadataJSON []byte

	err := row.Scan(&inv.ID, &inv.MerchantID, &baseAmountStr, &publishAmountStr, &inv.Currency,
		&inv.Network, &inv.Address, &inv.AddressTag, &inv.Status, &metadataJSON, &inv.Expiry, &inv.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Invoice not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan invoice data", err)
	}

	if inv.BaseAmount, err = parseAmount(baseAmountStr); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse invoice base amount", err)
	}
	if inv.PublishAmount, err = parseAmount(publishAmountStr); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse invoice publish amount", err)
	}
	if len(metadataJSON) > 0 {
		if err = json.Unmarshal(metadataJSON, &inv.PublishMetadata); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal publish metadata", err)
		}
	}

	return &inv, nil
}
