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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/lordkingpriest/problemsolver/binance"
	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/database"
	redlock "github.com/lordkingpriest/problemsolver/internal/lock"
	"github.com/lordkingpriest/problemsolver/internal/notification"
	"github.com/lordkingpriest/problemsolver/model"
)

// pollerMaxBackoff caps the delay between cycles after repeated
// transient failures.
const pollerMaxBackoff = 5 * time.Minute

// Poller walks the exchange deposit history in fixed windows and stores
// every observed record in deposit_raw. A redis lease keyed on the
// checkpoint name keeps a single instance writing at a time; the
// checkpoint only advances after the records it covers are stored.
type Poller struct {
	ds       database.IDataSource
	client   *binance.Client
	locker   *redlock.Locker
	stats    *Stats
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	failures     int
	backoffUntil time.Time
}

func NewPoller(ds database.IDataSource, client *binance.Client, redisClient redis.UniversalClient, stats *Stats, conf *config.Configuration) *Poller {
	interval := time.Duration(conf.Binance.PollIntervalSeconds) * time.Second
	locker := redlock.NewLocker(redisClient, fmt.Sprintf("poller:lock:%s", conf.Binance.CheckpointKey), model.GenerateUUIDWithSuffix("poller"))
	return &Poller{
		ds:       ds,
		client:   client,
		locker:   locker,
		stats:    stats,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// DepositPoller builds a poller on the service's exchange client. It
// fails when no exchange credentials were configured.
func (p *Problemsolver) DepositPoller(conf *config.Configuration) (*Poller, error) {
	if p.exchange == nil {
		return nil, fmt.Errorf("binance credentials are not configured")
	}
	return NewPoller(p.datasource, p.exchange, p.redis, p.stats, conf), nil
}

func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		logrus.Infof("deposit poller started with interval: %v", p.interval)

		if halt := p.runCycle(); halt {
			return
		}

		for {
			select {
			case <-ticker.C:
				if halt := p.runCycle(); halt {
					return
				}
			case <-p.stopCh:
				logrus.Info("deposit poller stopping...")
				return
			}
		}
	}()
}

func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	logrus.Info("deposit poller stopped")
}

// runCycle runs one poll and classifies its outcome. It returns true when
// the poller must halt, which only happens on an authentication failure.
func (p *Poller) runCycle() bool {
	if time.Now().Before(p.backoffUntil) {
		logrus.Debugf("poller backing off until %v", p.backoffUntil)
		return false
	}

	err := p.pollDeposits()
	if err == nil {
		p.failures = 0
		return false
	}

	var authErr *binance.AuthError
	if errors.As(err, &authErr) {
		logrus.Errorf("poller halted on authentication failure: %v", err)
		p.recordAuthFailure(authErr)
		notification.NotifyError(err)
		return true
	}

	p.failures++
	shift := p.failures - 1
	if shift > 6 {
		shift = 6
	}
	delay := p.interval * time.Duration(1<<shift)
	if delay > pollerMaxBackoff {
		delay = pollerMaxBackoff
	}
	var rateErr *binance.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > delay {
		delay = rateErr.RetryAfter
	}
	p.backoffUntil = time.Now().Add(delay)
	logrus.Errorf("poller cycle failed (attempt %d, next in %v): %v", p.failures, delay, err)
	return false
}

// pollDeposits performs one full poll under the redis lease: sync server
// time, then walk windows from the checkpoint up to now, storing every
// record and advancing the checkpoint per window.
func (p *Poller) pollDeposits() error {
	ctx := context.Background()
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	lockTTL := 2 * p.interval
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}
	// Wait a short while for a lease mid-release, so a standby instance
	// takes over without losing a full cycle.
	lockWait := p.interval / 2
	if lockWait > 5*time.Second {
		lockWait = 5 * time.Second
	}
	if err := p.locker.WaitLock(ctx, lockTTL, lockWait); err != nil {
		logrus.Debug("another poller instance holds the lease")
		return nil
	}
	defer func() {
		if err := p.locker.Unlock(ctx); err != nil {
			logrus.Errorf("failed to release poller lease: %v", err)
		}
	}()

	if _, err := p.client.SyncTime(ctx); err != nil {
		return err
	}

	cp, err := p.ds.LoadCheckpoint(ctx, cfg.Binance.CheckpointKey)
	if err != nil {
		return err
	}

	overlapMS := int64(cfg.Binance.OverlapSeconds) * 1000
	windowMS := int64(cfg.Binance.WindowMinutes) * 60 * 1000

	start := p.client.Now() - int64(cfg.Binance.InitialLookbackHours)*3600*1000
	if cp != nil {
		start = cp.LastInsertTimeMS - overlapMS
	}
	lastTxID := ""
	if cp != nil {
		lastTxID = cp.LastTxID
	}

	for {
		select {
		case <-p.stopCh:
			return nil
		default:
		}

		now := p.client.Now()
		if start >= now {
			return nil
		}
		end := start + windowMS
		caughtUp := end >= now
		if caughtUp {
			end = now
		}

		if err := p.locker.ExtendLock(ctx, lockTTL); err != nil {
			return fmt.Errorf("poller lease lost mid-poll: %w", err)
		}

		deposits, err := p.client.GetDepositHistory(ctx, start, end, cfg.Binance.FetchLimit)
		if err != nil {
			return err
		}

		sort.Slice(deposits, func(i, j int) bool {
			return deposits[i].InsertTime < deposits[j].InsertTime
		})

		maxInsert := int64(0)
		for i := range deposits {
			raw, err := rawDepositFromExchange(&deposits[i])
			if err != nil {
				logrus.Errorf("poller: skipping malformed deposit %s: %v", deposits[i].TxID, err)
				continue
			}
			inserted, err := p.ds.InsertRawDeposit(ctx, raw)
			if err != nil {
				return err
			}
			if inserted && p.stats != nil {
				p.stats.DepositsStored.Add(1)
			}
			if deposits[i].InsertTime > maxInsert {
				maxInsert = deposits[i].InsertTime
				lastTxID = deposits[i].TxID
			}
		}

		cursor := end
		if maxInsert > 0 {
			cursor = maxInsert
		}
		if err := p.ds.SaveCheckpoint(ctx, &model.Checkpoint{
			Key:              cfg.Binance.CheckpointKey,
			LastInsertTimeMS: cursor,
			LastTxID:         lastTxID,
		}); err != nil {
			return err
		}

		// A full window may hold more records than one fetch returns;
		// resume from the last seen timestamp instead of the window end.
		if len(deposits) >= cfg.Binance.FetchLimit && maxInsert > start {
			start = maxInsert
			continue
		}
		if caughtUp {
			return nil
		}
		start = end
	}
}

func (p *Poller) recordAuthFailure(authErr *binance.AuthError) {
	event := &model.SystemEvent{
		Source:    "poller",
		EventType: "auth_failure",
		Payload: map[string]interface{}{
			"status_code": authErr.StatusCode,
			"code":        authErr.Code,
			"msg":         authErr.Msg,
		},
	}
	if err := p.ds.RecordSystemEvent(context.Background(), event); err != nil {
		logrus.Errorf("failed to record poller auth failure: %v", err)
	}
}

// rawDepositFromExchange converts a wire record into the stored form. The
// full record is kept verbatim in raw for later interpretation.
func rawDepositFromExchange(d *model.BinanceDeposit) (*model.RawDeposit, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid deposit amount %q: %w", d.Amount, err)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return &model.RawDeposit{
		TxID:           d.TxID,
		Coin:           d.Coin,
		Network:        d.Network,
		Amount:         amount,
		Status:         d.Status,
		Address:        d.Address,
		AddressTag:     d.AddressTag,
		InsertTimeMS:   d.InsertTime,
		CompleteTimeMS: d.CompleteTime,
		Raw:            raw,
	}, nil
}
