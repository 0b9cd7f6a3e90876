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

// merchantCacheTTL bounds how stale a cached webhook endpoint can be.
const merchantCacheTTL = 5 * time.Minute

// CreateMerchant inserts a merchant.
func (d Datasource) CreateMerchant(ctx context.Context, m *model.Merchant) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.RiskTier == "" {
		m.RiskTier = "low"
	}
	if m.OnboardingStatus == "" {
		m.OnboardingStatus = "pending"
	}
	m.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO merchants (id, name, webhook_url, risk_tier, onboarding_status)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.Name, m.WebhookURL, m.RiskTier, m.OnboardingStatus)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Merchant already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create merchant", err)
	}
	return nil
}

// GetMerchantByID retrieves a merchant, consulting the cache first. The
// dispatcher calls this on every delivery, so the webhook endpoint lookup
// has to be cheap.
func (d Datasource) GetMerchantByID(ctx context.Context, id uuid.UUID) (*model.Merchant, error) {
	cacheKey := "merchant:" + id.String()
	if d.Cache != nil {
		cached := model.Merchant{}
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && cached.ID != uuid.Nil {
			return &cached, nil
		}
	}

	m := model.Merchant{}
	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(webhook_url, ''), risk_tier, onboarding_status, created_at
		FROM merchants
		WHERE id = $1
	`, id)

	err := row.Scan(&m.ID, &m.Name, &m.WebhookURL, &m.RiskTier, &m.OnboardingStatus, &m.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Merchant not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve merchant", err)
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, cacheKey, m, merchantCacheTTL)
	}

	return &m, nil
}
