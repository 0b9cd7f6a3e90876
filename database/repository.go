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
	"time"

	"github.com/google/uuid"

	"github.com/lordkingpriest/problemsolver/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	Ping(ctx context.Context) error // Reachability probe for readiness checks

	checkpoint // Poller progress persistence
	deposit    // Raw deposit ingestion and claims
	invoice    // Invoice lifecycle
	credit     // Atomic crediting and collision parking
	webhook    // Notification outbox
	merchant   // Merchant lookups
	auditTrail // Append-only audit and system events
}

// checkpoint defines methods for persisting poller progress.
type checkpoint interface {
	LoadCheckpoint(ctx context.Context, key string) (*model.Checkpoint, error) // Loads a checkpoint by key; nil when none exists
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error            // Upserts a checkpoint
}

// deposit defines methods for handling raw deposits.
type deposit interface {
	InsertRawDeposit(ctx context.Context, d *model.RawDeposit) (bool, error)            // Inserts a raw deposit; false when the tx_id is already stored
	GetUnprocessedDeposits(ctx context.Context, limit int) ([]*model.RawDeposit, error) // Retrieves deposits awaiting matching
	GetDepositByTxID(ctx context.Context, txID string) (*model.RawDeposit, error)       // Retrieves a raw deposit by source transaction id
	MarkDepositProcessed(ctx context.Context, id string) error                          // Flags a deposit that will never match so it is not reclaimed
}

// invoice defines methods for handling invoices.
type invoice interface {
	CreateInvoice(ctx context.Context, inv *model.Invoice) error                                                        // Inserts an invoice; conflict on duplicate publish amount per merchant+address
	GetInvoiceByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error)                                           // Retrieves an invoice by ID
	GetCandidateInvoices(ctx context.Context, address, network, addressTag string, limit int) ([]*model.Invoice, error) // Retrieves pending invoices matching a deposit destination
	GetInvoicesByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]*model.Invoice, error)       // Retrieves a merchant's invoices
}

// credit defines the atomic crediting operations.
type credit interface {
	CreditDeposit(ctx context.Context, params CreditParams) (*CreditResult, error)        // Credits a deposit against an invoice in one transaction
	ParkCollidingInvoices(ctx context.Context, txID string, invoiceIDs []uuid.UUID) error // Marks colliding invoices for manual resolution and records the collision
}

// webhook defines methods for the notification outbox.
type webhook interface {
	ClaimDueWebhooks(ctx context.Context, limit int) ([]*model.WebhookEvent, error)                                   // Claims due pending webhooks, moving them to in_progress
	ReclaimStaleWebhooks(ctx context.Context, olderThan time.Duration) (int64, error)                                 // Returns stale in_progress webhooks to pending
	GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error)                                   // Retrieves an outbox row by ID
	MarkWebhookSuccess(ctx context.Context, id uuid.UUID, attempts int) error                                         // Marks a webhook delivered
	RescheduleWebhook(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttempt time.Time) error // Returns a webhook to pending with a future attempt time
	MarkWebhookFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error                        // Marks a webhook permanently failed
}

// merchant defines methods for handling merchants.
type merchant interface {
	CreateMerchant(ctx context.Context, m *model.Merchant) error                // Creates a merchant
	GetMerchantByID(ctx context.Context, id uuid.UUID) (*model.Merchant, error) // Retrieves a merchant by ID
}

// auditTrail defines insert-only methods for audit logs and system events.
type auditTrail interface {
	RecordAuditLog(ctx context.Context, a *model.AuditLog) error       // Appends an audit log entry
	RecordSystemEvent(ctx context.Context, e *model.SystemEvent) error // Appends a system event
}
