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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/database"
	"github.com/lordkingpriest/problemsolver/model"
)

func mockConfiguration(redisAddr string) *config.Configuration {
	return &config.Configuration{
		ProjectName: "Problemsolver",
		DataSource:  config.DataSourceConfig{Dns: "postgres://test"},
		Redis:       config.RedisConfig{Dns: redisAddr},
		Binance: config.BinanceConfig{
			PollIntervalSeconds:  1,
			InitialLookbackHours: 24,
			WindowMinutes:        5,
			OverlapSeconds:       60,
			FetchLimit:           200,
			CheckpointKey:        config.DefaultCheckpointKey,
		},
		AmountDiff: config.AmountDiffConfig{K: 3, MaxCreationAttempts: 5},
		Processor: config.ProcessorConfig{
			IntervalSeconds:      1,
			BatchSize:            50,
			Workers:              2,
			DefaultConfirmations: 2,
		},
		Webhook: config.WebhookConfig{
			Secret:             "whsec_test",
			MaxAttempts:        10,
			BackoffBaseSeconds: 1,
			BackoffCapSeconds:  600,
			PollSeconds:        1,
			TimeoutSeconds:     2,
			DispatchBatch:      20,
		},
		Queue: config.QueueConfig{WebhookQueue: "new:webhook"},
	}
}

// newTestService builds the service against miniredis and a sqlmock-backed
// datasource.
func newTestService(t *testing.T) (*Problemsolver, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	config.MockConfig(mockConfiguration(mr.Addr()))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc, err := NewProblemsolver(database.Datasource{Conn: db})
	require.NoError(t, err)
	return svc, mock
}

func mustFetchConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg, err := config.Fetch()
	require.NoError(t, err)
	return cfg
}

func TestNewProblemsolver(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NotNil(t, svc.Queue())
	assert.NotNil(t, svc.Stats())
	assert.Nil(t, svc.exchange)
}

func TestStatsSnapshot(t *testing.T) {
	stats := NewStats()
	stats.DepositsStored.Add(3)
	stats.Collisions.Add(1)
	stats.WebhooksDelivered.Add(2)

	snapshot := stats.Snapshot()
	assert.Equal(t, int64(3), snapshot["deposits_stored"])
	assert.Equal(t, int64(1), snapshot["collisions"])
	assert.Equal(t, int64(2), snapshot["webhooks_delivered"])
	assert.Equal(t, int64(0), snapshot["errors"])
}

func TestRawDepositFromExchange(t *testing.T) {
	wire := &model.BinanceDeposit{
		TxID:         "0xabc123",
		Coin:         "USDT",
		Network:      "TRX",
		Amount:       "10.003",
		Status:       1,
		Address:      "TAddr1",
		InsertTime:   1700000000000,
		CompleteTime: 1700000300000,
		ConfirmTimes: "20/20",
	}

	raw, err := rawDepositFromExchange(wire)
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", raw.TxID)
	assert.True(t, raw.Amount.Equal(decimal.RequireFromString("10.003")))
	assert.Equal(t, int64(1700000000000), raw.InsertTimeMS)
	assert.Equal(t, 20, raw.Confirmations())

	wire.Amount = "not-a-number"
	_, err = rawDepositFromExchange(wire)
	assert.Error(t, err)
}
