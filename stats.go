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

import "sync/atomic"

// Stats holds process-lifetime counters for the polling, matching and
// delivery loops. Counters reset on restart.
type Stats struct {
	DepositsStored    atomic.Int64
	DepositsCredited  atomic.Int64
	Collisions        atomic.Int64
	NoMatch           atomic.Int64
	Errors            atomic.Int64
	WebhooksDelivered atomic.Int64
	WebhooksFailed    atomic.Int64
}

func NewStats() *Stats {
	return &Stats{}
}

// Snapshot returns the counters in the shape served by the stats endpoint.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"deposits_stored":    s.DepositsStored.Load(),
		"deposits_credited":  s.DepositsCredited.Load(),
		"collisions":         s.Collisions.Load(),
		"no_match":           s.NoMatch.Load(),
		"errors":             s.Errors.Load(),
		"webhooks_delivered": s.WebhooksDelivered.Load(),
		"webhooks_failed":    s.WebhooksFailed.Load(),
	}
}
