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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordkingpriest/problemsolver/model"
)

func TestSignWebhook(t *testing.T) {
	payload := []byte(`{"invoiceId":"inv-1","status":"paid"}`)
	signature := SignWebhook("whsec_test", 1700000000, payload)
	assert.Equal(t, "sha256=29925c7e6b59b6ef2fb69e4737fd11e2b417ff442d49c6bff43729284f8f244c", signature)

	// A different timestamp must change the signature.
	assert.NotEqual(t, signature, SignWebhook("whsec_test", 1700000001, payload))
}

func TestWebhookBackoff(t *testing.T) {
	base := time.Second
	maxDelay := 600 * time.Second

	assert.Equal(t, time.Second, webhookBackoff(1, base, maxDelay))
	assert.Equal(t, 2*time.Second, webhookBackoff(2, base, maxDelay))
	assert.Equal(t, 8*time.Second, webhookBackoff(4, base, maxDelay))
	assert.Equal(t, maxDelay, webhookBackoff(11, base, maxDelay))
	assert.Equal(t, base, webhookBackoff(0, base, maxDelay))
}

func webhookEventRow(id, merchantID uuid.UUID, payload []byte, attempts int, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "merchant_id", "payload", "headers", "attempts", "last_error", "status", "idempotency_key", "next_attempt_at", "created_at",
	}).AddRow(id, merchantID, payload, []byte(`{}`), attempts, "", status, "settlement:"+uuid.NewString(), time.Now(), time.Now())
}

func deliveryTask(t *testing.T, id uuid.UUID) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(id)
	require.NoError(t, err)
	return asynq.NewTask("new:webhook", payload)
}

func TestProcessWebhook_DeliversAndMarksSuccess(t *testing.T) {
	svc, mock := newTestService(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	eventID := uuid.New()
	merchantID := uuid.New()
	payload := []byte(`{"invoiceId":"inv-1","status":"paid"}`)

	var gotSig, gotTS, gotKey string
	httpmock.RegisterResponder("POST", "https://merchant.example/hooks",
		func(req *http.Request) (*http.Response, error) {
			gotSig = req.Header.Get("X-PS-Signature")
			gotTS = req.Header.Get("X-PS-Timestamp")
			gotKey = req.Header.Get("Idempotency-Key")
			return httpmock.NewStringResponse(200, `{"ok":true}`), nil
		})

	mock.ExpectQuery("SELECT").
		WithArgs(eventID).
		WillReturnRows(webhookEventRow(eventID, merchantID, payload, 0, model.WebhookStatusInProgress))
	mock.ExpectQuery("SELECT id, name").
		WithArgs(merchantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "webhook_url", "risk_tier", "onboarding_status", "created_at"}).
			AddRow(merchantID, "Acme", "https://merchant.example/hooks", "low", "approved", time.Now()))
	mock.ExpectExec("UPDATE webhook_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.ProcessWebhook(context.Background(), deliveryTask(t, eventID))
	require.NoError(t, err)

	assert.NotEmpty(t, gotTS)
	assert.NotEmpty(t, gotKey)
	assert.NotEmpty(t, gotSig)
	assert.Equal(t, int64(1), svc.stats.WebhooksDelivered.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessWebhook_FailureReschedules(t *testing.T) {
	svc, mock := newTestService(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "https://merchant.example/hooks",
		httpmock.NewStringResponder(500, "boom"))

	eventID := uuid.New()
	merchantID := uuid.New()

	mock.ExpectQuery("SELECT").
		WithArgs(eventID).
		WillReturnRows(webhookEventRow(eventID, merchantID, []byte(`{}`), 2, model.WebhookStatusInProgress))
	mock.ExpectQuery("SELECT id, name").
		WithArgs(merchantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "webhook_url", "risk_tier", "onboarding_status", "created_at"}).
			AddRow(merchantID, "Acme", "https://merchant.example/hooks", "low", "approved", time.Now()))
	mock.ExpectExec("UPDATE webhook_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.ProcessWebhook(context.Background(), deliveryTask(t, eventID))
	require.NoError(t, err)
	assert.Equal(t, int64(0), svc.stats.WebhooksDelivered.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessWebhook_ExhaustedAttemptsMarkedFailed(t *testing.T) {
	svc, mock := newTestService(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "https://merchant.example/hooks",
		httpmock.NewStringResponder(500, "boom"))

	eventID := uuid.New()
	merchantID := uuid.New()

	// Attempt 10 of 10 fails; the row must go terminal.
	mock.ExpectQuery("SELECT").
		WithArgs(eventID).
		WillReturnRows(webhookEventRow(eventID, merchantID, []byte(`{}`), 9, model.WebhookStatusInProgress))
	mock.ExpectQuery("SELECT id, name").
		WithArgs(merchantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "webhook_url", "risk_tier", "onboarding_status", "created_at"}).
			AddRow(merchantID, "Acme", "https://merchant.example/hooks", "low", "approved", time.Now()))
	mock.ExpectExec("UPDATE webhook_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.ProcessWebhook(context.Background(), deliveryTask(t, eventID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), svc.stats.WebhooksFailed.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessWebhook_TerminalStatusIsNoOp(t *testing.T) {
	svc, mock := newTestService(t)

	eventID := uuid.New()
	mock.ExpectQuery("SELECT").
		WithArgs(eventID).
		WillReturnRows(webhookEventRow(eventID, uuid.New(), []byte(`{}`), 3, model.WebhookStatusSuccess))

	err := svc.ProcessWebhook(context.Background(), deliveryTask(t, eventID))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessWebhook_MerchantWithoutURLRetries(t *testing.T) {
	svc, mock := newTestService(t)

	eventID := uuid.New()
	merchantID := uuid.New()

	// No webhook URL is a failed attempt, not a silent success. The row is
	// rescheduled so a URL configured before attempts run out still gets
	// the notification.
	mock.ExpectQuery("SELECT").
		WithArgs(eventID).
		WillReturnRows(webhookEventRow(eventID, merchantID, []byte(`{}`), 0, model.WebhookStatusInProgress))
	mock.ExpectQuery("SELECT id, name").
		WithArgs(merchantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "webhook_url", "risk_tier", "onboarding_status", "created_at"}).
			AddRow(merchantID, "Acme", "", "low", "approved", time.Now()))
	mock.ExpectExec("UPDATE webhook_queue").
		WithArgs(model.WebhookStatusPending, 1, sqlmock.AnyArg(), sqlmock.AnyArg(), eventID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.ProcessWebhook(context.Background(), deliveryTask(t, eventID))
	require.NoError(t, err)
	assert.Equal(t, int64(0), svc.stats.WebhooksDelivered.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherEnqueuesClaimedWebhooks(t *testing.T) {
	svc, mock := newTestService(t)

	eventID := uuid.New()
	mock.ExpectExec("UPDATE webhook_queue").
		WithArgs(model.WebhookStatusPending, model.WebhookStatusInProgress, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE webhook_queue").
		WillReturnRows(webhookEventRow(eventID, uuid.New(), []byte(`{}`), 0, model.WebhookStatusInProgress))

	dispatcher := NewWebhookDispatcher(svc.datasource, svc.queue, mustFetchConfig(t))
	dispatcher.dispatchDue()

	assert.NoError(t, mock.ExpectationsWereMet())

	// The task id reuses the outbox row id, so re-dispatching the same
	// claim is a no-op rather than a duplicate.
	err := svc.queue.queueWebhookDelivery(context.Background(), &model.WebhookEvent{ID: eventID})
	assert.NoError(t, err)
}
