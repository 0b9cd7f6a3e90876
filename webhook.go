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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/database"
	"github.com/lordkingpriest/problemsolver/model"
)

// SignWebhook computes the signature sent in X-PS-Signature. The signed
// message is "<timestamp>.<payload>" so a replayed body cannot reuse an
// old signature.
func SignWebhook(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// webhookBackoff returns the delay before the given attempt number is
// retried, doubling from base up to cap.
func webhookBackoff(attempts int, base, maxDelay time.Duration) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	delay := base * time.Duration(1<<shift)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// WebhookDispatcher moves due outbox rows onto the task queue. Claiming
// flips rows to in_progress under SKIP LOCKED, and the task id reuses the
// row id, so concurrent dispatchers cannot double-deliver.
type WebhookDispatcher struct {
	ds       database.IDataSource
	queue    *Queue
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewWebhookDispatcher(ds database.IDataSource, queue *Queue, conf *config.Configuration) *WebhookDispatcher {
	return &WebhookDispatcher{
		ds:       ds,
		queue:    queue,
		interval: time.Duration(conf.Webhook.PollSeconds) * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Dispatcher builds an outbox dispatcher over the service's datasource
// and queue.
func (p *Problemsolver) Dispatcher(conf *config.Configuration) *WebhookDispatcher {
	return NewWebhookDispatcher(p.datasource, p.queue, conf)
}

func (w *WebhookDispatcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		logrus.Infof("webhook dispatcher started with interval: %v", w.interval)

		w.dispatchDue()

		for {
			select {
			case <-ticker.C:
				w.dispatchDue()
			case <-w.stopCh:
				logrus.Info("webhook dispatcher stopping...")
				return
			}
		}
	}()
}

func (w *WebhookDispatcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	logrus.Info("webhook dispatcher stopped")
}

func (w *WebhookDispatcher) dispatchDue() {
	ctx := context.Background()
	cfg, err := config.Fetch()
	if err != nil {
		logrus.Errorf("dispatcher: config unavailable: %v", err)
		return
	}

	// A claim with no matching queue task means the claimer died before the
	// enqueue or the task store lost it. Stale claims go back to pending so
	// no notification is stranded in in_progress.
	staleAfter := time.Duration(cfg.Webhook.StaleClaimSeconds) * time.Second
	reclaimed, err := w.ds.ReclaimStaleWebhooks(ctx, staleAfter)
	if err != nil {
		logrus.Errorf("dispatcher: failed to reclaim stale webhooks: %v", err)
	} else if reclaimed > 0 {
		logrus.Warnf("dispatcher: reclaimed %d stale webhook claims", reclaimed)
	}

	events, err := w.ds.ClaimDueWebhooks(ctx, cfg.Webhook.DispatchBatch)
	if err != nil {
		logrus.Errorf("dispatcher: failed to claim webhooks: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	logrus.Infof("dispatcher: enqueueing %d webhooks", len(events))
	for _, event := range events {
		if err := w.queue.queueWebhookDelivery(ctx, event); err != nil {
			logrus.Errorf("dispatcher: failed to enqueue webhook %s: %v", event.ID, err)
			// Return the row to pending so a later cycle claims it again.
			if rescheduleErr := w.ds.RescheduleWebhook(ctx, event.ID, event.Attempts, err.Error(), time.Now()); rescheduleErr != nil {
				logrus.Errorf("dispatcher: failed to reschedule webhook %s: %v", event.ID, rescheduleErr)
			}
		}
	}
}

// ProcessWebhook delivers one outbox row from the task queue. The outcome
// is always written back to the row; asynq-level retries are not used, so
// the task result is nil unless the bookkeeping itself fails.
func (p *Problemsolver) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	var id uuid.UUID
	if err := json.Unmarshal(task.Payload(), &id); err != nil {
		logrus.Errorf("webhook worker: bad task payload: %v", err)
		return err
	}

	event, err := p.datasource.GetWebhookEvent(ctx, id)
	if err != nil {
		return err
	}
	if event.Status == model.WebhookStatusSuccess || event.Status == model.WebhookStatusFailed {
		return nil
	}

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	deliveryErr := p.deliverWebhook(ctx, cfg, event)
	attempts := event.Attempts + 1
	if deliveryErr == nil {
		p.stats.WebhooksDelivered.Add(1)
		return p.datasource.MarkWebhookSuccess(ctx, event.ID, attempts)
	}

	logrus.Warnf("webhook worker: delivery of %s failed (attempt %d): %v", event.ID, attempts, deliveryErr)
	if attempts >= cfg.Webhook.MaxAttempts {
		p.stats.WebhooksFailed.Add(1)
		return p.datasource.MarkWebhookFailed(ctx, event.ID, attempts, deliveryErr.Error())
	}

	base := time.Duration(cfg.Webhook.BackoffBaseSeconds) * time.Second
	maxDelay := time.Duration(cfg.Webhook.BackoffCapSeconds) * time.Second
	nextAttempt := time.Now().Add(webhookBackoff(attempts, base, maxDelay))
	return p.datasource.RescheduleWebhook(ctx, event.ID, attempts, deliveryErr.Error(), nextAttempt)
}

// deliverWebhook POSTs the stored payload to the merchant endpoint with
// the signature and idempotency headers. Any non-2xx response is a
// failure.
func (p *Problemsolver) deliverWebhook(ctx context.Context, cfg *config.Configuration, event *model.WebhookEvent) error {
	merchant, err := p.datasource.GetMerchantByID(ctx, event.MerchantID)
	if err != nil {
		return err
	}
	// A missing URL counts as a delivery failure. The row keeps retrying
	// and eventually parks as failed with the reason in last_error, so a
	// merchant onboarding mid-stream still receives the attempts made
	// after the URL is set.
	if merchant.WebhookURL == "" {
		return fmt.Errorf("merchant %s has no webhook url configured", merchant.ID)
	}

	timeout := time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, merchant.WebhookURL, bytes.NewReader(event.Payload))
	if err != nil {
		return err
	}

	timestamp := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PS-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-PS-Signature", SignWebhook(cfg.Webhook.Secret, timestamp, event.Payload))
	req.Header.Set("Idempotency-Key", event.IdempotencyKey)
	for key, value := range event.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			logrus.Error(err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
