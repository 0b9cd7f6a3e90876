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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lordkingpriest/problemsolver/binance"
	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/database"
	redis_db "github.com/lordkingpriest/problemsolver/internal/redis-db"
)

// Problemsolver is the main struct for the deposit reconciliation service.
// It wires the datasource, the delivery queue, redis and the exchange
// client behind one facade shared by the API server and the workers.
type Problemsolver struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	exchange   *binance.Client
	stats      *Stats
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewProblemsolver initializes the service with the provided datasource.
// The exchange client is only constructed when API credentials are
// configured; the API server runs without one.
func NewProblemsolver(db database.IDataSource) (*Problemsolver, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	var exchange *binance.Client
	if configuration.Binance.APIKey != "" {
		exchange, err = binance.NewClient(&configuration.Binance, nil)
		if err != nil {
			return nil, err
		}
	}

	newQueue := NewQueue(configuration)
	return &Problemsolver{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		exchange:   exchange,
		stats:      NewStats(),
	}, nil
}

// Ready reports whether the backing database is reachable.
func (p *Problemsolver) Ready(ctx context.Context) error {
	return p.datasource.Ping(ctx)
}

// Stats returns the process-lifetime counters.
func (p *Problemsolver) Stats() *Stats {
	return p.stats
}

// Queue returns the task queue used to hand outbox rows to delivery workers.
func (p *Problemsolver) Queue() *Queue {
	return p.queue
}
