package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordkingpriest/problemsolver/model"
)

func TestCreditDeposit_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	invoiceID := uuid.New()
	merchantID := uuid.New()
	deposit := sampleDeposit()
	deposit.ID = uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT merchant_id, status").
		WithArgs(invoiceID).
		WillReturnRows(sqlmock.NewRows([]string{"merchant_id", "status"}).
			AddRow(merchantID, model.InvoiceStatusPending))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs(model.InvoiceStatusPaid, invoiceID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO webhook_queue").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE deposit_raw SET processed").
		WithArgs(deposit.ID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := ds.CreditDeposit(context.Background(), CreditParams{
		InvoiceID:     invoiceID,
		Deposit:       deposit,
		Confirmations: 20,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, result.PaymentID)
	assert.NotEqual(t, uuid.Nil, result.WebhookID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditDeposit_InvoiceNoLongerPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	invoiceID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT merchant_id, status").
		WithArgs(invoiceID).
		WillReturnRows(sqlmock.NewRows([]string{"merchant_id", "status"}).
			AddRow(uuid.New(), model.InvoiceStatusPaid))
	mock.ExpectRollback()

	_, err = ds.CreditDeposit(context.Background(), CreditParams{
		InvoiceID:     invoiceID,
		Deposit:       sampleDeposit(),
		Confirmations: 20,
	})
	assert.ErrorIs(t, err, ErrInvoiceNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditDeposit_DuplicatePaymentRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	invoiceID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT merchant_id, status").
		WithArgs(invoiceID).
		WillReturnRows(sqlmock.NewRows([]string{"merchant_id", "status"}).
			AddRow(uuid.New(), model.InvoiceStatusPending))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})
	mock.ExpectRollback()

	_, err = ds.CreditDeposit(context.Background(), CreditParams{
		InvoiceID:     invoiceID,
		Deposit:       sampleDeposit(),
		Confirmations: 20,
	})
	assert.ErrorIs(t, err, ErrAlreadyCredited)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditDeposit_LedgerFailureRollsBackEverything(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	invoiceID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT merchant_id, status").
		WithArgs(invoiceID).
		WillReturnRows(sqlmock.NewRows([]string{"merchant_id", "status"}).
			AddRow(uuid.New(), model.InvoiceStatusPending))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = ds.CreditDeposit(context.Background(), CreditParams{
		InvoiceID:     invoiceID,
		Deposit:       sampleDeposit(),
		Confirmations: 20,
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParkCollidingInvoices(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	ids := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invoices SET status").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO system_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = ds.ParkCollidingInvoices(context.Background(), "0xabc123", ids)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
