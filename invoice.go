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

package problemsolver

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

// NewInvoice carries the merchant-supplied fields of an invoice request.
// The published amount and the invoice id are derived, not supplied.
type NewInvoice struct {
	MerchantID    uuid.UUID
	BaseAmount    decimal.Decimal
	Currency      string
	Network       string
	Address       string
	AddressTag    string
	ExpirySeconds int
	Metadata      map[string]interface{}
}

// CreateInvoice derives candidate invoice ids from one random 128-bit
// base, publishing each candidate's nonce-adjusted amount, until an
// insert clears the unique (merchant, publish_amount, address)
// constraint. Exhausting every candidate parks a placeholder invoice for
// manual resolution and returns a conflict.
func (p *Problemsolver) CreateInvoice(ctx context.Context, req NewInvoice) (*model.Invoice, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	var expiry *time.Time
	if req.ExpirySeconds > 0 {
		t := time.Now().Add(time.Duration(req.ExpirySeconds) * time.Second)
		expiry = &t
	}

	seed := uuid.New()
	baseInt := new(big.Int).SetBytes(seed[:])
	two128 := new(big.Int).Lsh(big.NewInt(1), 128)

	for attempt := 0; attempt < cfg.AmountDiff.MaxCreationAttempts; attempt++ {
		candInt := new(big.Int).Mod(new(big.Int).Add(baseInt, big.NewInt(int64(attempt))), two128)
		var candidate uuid.UUID
		candInt.FillBytes(candidate[:])

		invoice := &model.Invoice{
			ID:              candidate,
			MerchantID:      req.MerchantID,
			BaseAmount:      req.BaseAmount,
			PublishAmount:   model.PublishAmount(req.BaseAmount, candidate, req.Network, cfg.AmountDiff.K),
			Currency:        req.Currency,
			Network:         req.Network,
			Address:         req.Address,
			AddressTag:      req.AddressTag,
			Status:          model.InvoiceStatusPending,
			PublishMetadata: req.Metadata,
			Expiry:          expiry,
		}

		err := p.datasource.CreateInvoice(ctx, invoice)
		if err == nil {
			logrus.Infof("created invoice %s merchant=%s amount=%s", invoice.ID, req.MerchantID, invoice.PublishAmount)
			return invoice, nil
		}

		var apiErr apierror.APIError
		if errors.As(err, &apiErr) && apiErr.Code == apierror.ErrConflict {
			logrus.Warnf("invoice creation collision on attempt %d for merchant %s", attempt, req.MerchantID)
			continue
		}
		return nil, err
	}

	return nil, p.parkExhaustedInvoice(ctx, req, expiry, cfg.AmountDiff.MaxCreationAttempts)
}

// parkExhaustedInvoice records an invoice whose every candidate amount
// collided, flagged for an operator, and returns the conflict the caller
// reports.
func (p *Problemsolver) parkExhaustedInvoice(ctx context.Context, req NewInvoice, expiry *time.Time, attempts int) error {
	placeholder := &model.Invoice{
		MerchantID:    req.MerchantID,
		BaseAmount:    req.BaseAmount,
		PublishAmount: req.BaseAmount,
		Currency:      req.Currency,
		Network:       req.Network,
		Address:       req.Address,
		AddressTag:    req.AddressTag,
		Status:        model.InvoiceStatusManualResolution,
		PublishMetadata: map[string]interface{}{
			"note":     "amount-diff-collision",
			"attempts": attempts,
		},
		Expiry: expiry,
	}
	if err := p.datasource.CreateInvoice(ctx, placeholder); err != nil {
		logrus.Errorf("failed to park exhausted invoice for merchant %s: %v", req.MerchantID, err)
		return err
	}

	details := map[string]interface{}{
		"merchant_id": req.MerchantID.String(),
		"base_amount": req.BaseAmount.String(),
	}
	if err := p.datasource.RecordAuditLog(ctx, &model.AuditLog{
		Actor:   "invoice_service",
		Action:  "invoice_creation_collision_exhausted",
		Details: details,
	}); err != nil {
		logrus.Errorf("failed to record exhaustion audit log: %v", err)
	}
	if err := p.datasource.RecordSystemEvent(ctx, &model.SystemEvent{
		Source:    "invoice_service",
		EventType: "collision_exhausted",
		Payload:   details,
	}); err != nil {
		logrus.Errorf("failed to record exhaustion system event: %v", err)
	}

	return apierror.NewAPIError(apierror.ErrConflict, "Invoice creation collided on every candidate amount", details)
}

// GetInvoice returns one invoice by id.
func (p *Problemsolver) GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	return p.datasource.GetInvoiceByID(ctx, id)
}

// GetMerchantInvoices lists a merchant's invoices, newest first.
func (p *Problemsolver) GetMerchantInvoices(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]*model.Invoice, error) {
	return p.datasource.GetInvoicesByMerchant(ctx, merchantID, limit, offset)
}
