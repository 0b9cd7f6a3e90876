package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
	"github.com/lordkingpriest/problemsolver/model"
)

func sampleInvoice() *model.Invoice {
	return &model.Invoice{
		ID:            uuid.New(),
		MerchantID:    uuid.New(),
		BaseAmount:    decimal.RequireFromString("10"),
		PublishAmount: decimal.RequireFromString("10.003"),
		Currency:      "USDT",
		Network:       "TRX",
		Address:       "TAddr1",
	}
}

func TestCreateInvoice_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	inv := sampleInvoice()
	mock.ExpectExec("INSERT INTO invoices").
		WithArgs(inv.ID, inv.MerchantID, "10", "10.003", "USDT", "TRX", "TAddr1", nil, model.InvoiceStatusPending, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.CreateInvoice(context.Background(), inv)
	assert.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPending, inv.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInvoice_AmountCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO invoices").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	err = ds.CreateInvoice(context.Background(), sampleInvoice())
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func invoiceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "merchant_id", "base_amount", "publish_amount", "currency", "network", "address", "address_tag",
		"status", "publish_metadata", "expiry", "created_at",
	})
}

func TestGetInvoiceByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	id := uuid.New()
	merchant := uuid.New()
	mock.ExpectQuery("SELECT id, merchant_id").
		WithArgs(id).
		WillReturnRows(invoiceRows().AddRow(
			id, merchant, "10", "10.003", "USDT", "TRX", "TAddr1", "",
			model.InvoiceStatusPending, []byte(`{"order":"A-1"}`), nil, time.Now(),
		))

	inv, err := ds.GetInvoiceByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, inv.ID)
	assert.Equal(t, merchant, inv.MerchantID)
	assert.True(t, inv.PublishAmount.Equal(decimal.RequireFromString("10.003")))
	assert.Equal(t, "A-1", inv.PublishMetadata["order"])
}

func TestGetInvoiceByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT id, merchant_id").
		WillReturnRows(invoiceRows())

	_, err = ds.GetInvoiceByID(context.Background(), uuid.New())
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestGetCandidateInvoices_WithAddressTag(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT id, merchant_id").
		WithArgs("TAddr1", "TRX", model.InvoiceStatusPending, "memo-1").
		WillReturnRows(invoiceRows().AddRow(
			uuid.New(), uuid.New(), "10", "10.003", "USDT", "TRX", "TAddr1", "memo-1",
			model.InvoiceStatusPending, nil, nil, time.Now(),
		))

	invoices, err := ds.GetCandidateInvoices(context.Background(), "TAddr1", "TRX", "memo-1", 50)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestGetCandidateInvoices_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT id, merchant_id").
		WithArgs("TAddr9", "TRX", model.InvoiceStatusPending).
		WillReturnRows(invoiceRows())

	invoices, err := ds.GetCandidateInvoices(context.Background(), "TAddr9", "TRX", "", 50)
	require.NoError(t, err)
	assert.Empty(t, invoices)
}
