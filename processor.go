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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/database"
	"github.com/lordkingpriest/problemsolver/model"
)

var tracer = otel.Tracer("Match deposit")

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// settledCoin is the only coin the matcher credits. Deposits in other
// coins are flagged processed so they are not reclaimed.
const settledCoin = "USDT"

// candidateLimit bounds the pending invoices considered per deposit.
const candidateLimit = 50

// Processor claims unprocessed deposits in batches and matches each one
// against pending invoices on the same destination. Correctness rests on
// the invoice row lock inside CreditDeposit, not on the worker pool.
type Processor struct {
	ds       database.IDataSource
	stats    *Stats
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewProcessor(ds database.IDataSource, stats *Stats, conf *config.Configuration) *Processor {
	return &Processor{
		ds:       ds,
		stats:    stats,
		interval: time.Duration(conf.Processor.IntervalSeconds) * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// DepositProcessor builds a processor over the service's datasource.
func (p *Problemsolver) DepositProcessor(conf *config.Configuration) *Processor {
	return NewProcessor(p.datasource, p.stats, conf)
}

func (p *Processor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		logrus.Infof("deposit processor started with interval: %v", p.interval)

		p.processBatch()

		for {
			select {
			case <-ticker.C:
				p.processBatch()
			case <-p.stopCh:
				logrus.Info("deposit processor stopping...")
				return
			}
		}
	}()
}

func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	logrus.Info("deposit processor stopped")
}

func (p *Processor) processBatch() {
	ctx := context.Background()
	cfg, err := config.Fetch()
	if err != nil {
		logrus.Errorf("processor: config unavailable: %v", err)
		return
	}

	deposits, err := p.ds.GetUnprocessedDeposits(ctx, cfg.Processor.BatchSize)
	if err != nil {
		logrus.Errorf("processor: failed to claim deposits: %v", err)
		return
	}
	if len(deposits) == 0 {
		logrus.Debug("processor: no deposits to match")
		return
	}

	logrus.Infof("processor: matching %d deposits", len(deposits))

	jobs := make(chan *model.RawDeposit)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Processor.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for deposit := range jobs {
				if err := p.processDeposit(ctx, cfg, deposit); err != nil {
					p.stats.Errors.Add(1)
					logrus.Errorf("processor: deposit %s: %v", deposit.TxID, err)
				}
			}
		}()
	}
	for _, deposit := range deposits {
		jobs <- deposit
	}
	close(jobs)
	wg.Wait()
}

// processDeposit matches one deposit against pending invoices on its
// destination. Deposits that are not yet final stay unprocessed and are
// reclaimed on a later cycle.
func (p *Processor) processDeposit(ctx context.Context, cfg *config.Configuration, deposit *model.RawDeposit) error {
	ctx, span := tracer.Start(ctx, "Match Deposit Against Pending Invoices")
	defer span.End()

	if !strings.EqualFold(deposit.Coin, settledCoin) {
		logrus.Debugf("processor: ignoring non-%s deposit %s", settledCoin, deposit.TxID)
		return p.ds.MarkDepositProcessed(ctx, deposit.ID)
	}

	confirmations := deposit.Confirmations()
	if deposit.Status != model.DepositStatusCompleted || confirmations < cfg.RequiredConfirmations(deposit.Network) {
		logrus.Debugf("processor: deposit %s not ready (status=%d confirmations=%d)", deposit.TxID, deposit.Status, confirmations)
		return nil
	}

	candidates, err := p.ds.GetCandidateInvoices(ctx, deposit.Address, deposit.Network, deposit.AddressTag, candidateLimit)
	if err != nil {
		return logAndRecordError(span, "processor: candidate lookup failed: ", err)
	}
	if len(candidates) == 0 {
		p.stats.NoMatch.Add(1)
		logrus.Infof("processor: no invoice candidates for deposit %s", deposit.TxID)
		return nil
	}

	// First pass: exact publish amount match.
	for _, candidate := range candidates {
		if !candidate.PublishAmount.Equal(deposit.Amount) {
			continue
		}
		done, err := p.credit(ctx, candidate.ID, deposit, confirmations, false)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	// Fallback: compare against each candidate's nonce-adjusted amount.
	matches := matchByAdjustedAmount(candidates, deposit.Amount, cfg.AmountDiff.K)
	switch len(matches) {
	case 0:
		p.stats.NoMatch.Add(1)
		logrus.Infof("processor: no amount match for deposit %s", deposit.TxID)
		return nil
	case 1:
		_, err := p.credit(ctx, matches[0].ID, deposit, confirmations, true)
		return err
	default:
		ids := make([]uuid.UUID, 0, len(matches))
		for _, inv := range matches {
			ids = append(ids, inv.ID)
		}
		if err := p.ds.ParkCollidingInvoices(ctx, deposit.TxID, ids); err != nil {
			return logAndRecordError(span, "processor: collision parking failed: ", err)
		}
		p.stats.Collisions.Add(1)
		logrus.Warnf("processor: amount collision on deposit %s across %d invoices", deposit.TxID, len(ids))
		return nil
	}
}

// credit runs the atomic crediting transaction. A no-longer-pending
// invoice is not an error; the caller moves on to the next candidate. A
// duplicate payment means a prior run already committed the full unit.
func (p *Processor) credit(ctx context.Context, invoiceID uuid.UUID, deposit *model.RawDeposit, confirmations int, usedAmountDiff bool) (bool, error) {
	_, err := p.ds.CreditDeposit(ctx, database.CreditParams{
		InvoiceID:      invoiceID,
		Deposit:        deposit,
		Confirmations:  confirmations,
		UsedAmountDiff: usedAmountDiff,
	})
	if err != nil {
		if errors.Is(err, database.ErrInvoiceNotPending) {
			logrus.Infof("processor: invoice %s no longer pending for deposit %s", invoiceID, deposit.TxID)
			return false, nil
		}
		if errors.Is(err, database.ErrAlreadyCredited) {
			logrus.Infof("processor: deposit %s already credited invoice %s", deposit.TxID, invoiceID)
			return true, nil
		}
		return false, err
	}
	p.stats.DepositsCredited.Add(1)
	logrus.Infof("processor: credited deposit %s to invoice %s (amount_diff=%t)", deposit.TxID, invoiceID, usedAmountDiff)
	return true, nil
}

// matchByAdjustedAmount returns the candidates whose publish amount,
// re-quantized with their own trailing-digit nonce, equals the deposit
// amount. More than one match is a collision the caller must park.
func matchByAdjustedAmount(candidates []*model.Invoice, amount decimal.Decimal, k int) []*model.Invoice {
	matches := []*model.Invoice{}
	for _, candidate := range candidates {
		adjusted := model.PublishAmount(candidate.PublishAmount, candidate.ID, candidate.Network, k)
		if adjusted.Equal(amount) {
			matches = append(matches, candidate)
		}
	}
	return matches
}
