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

	"github.com/google/uuid"

	"github.com/lordkingpriest/problemsolver/model"
)

// CreateMerchant registers a merchant and the webhook endpoint its
// settlement notifications go to.
func (p *Problemsolver) CreateMerchant(ctx context.Context, merchant *model.Merchant) (*model.Merchant, error) {
	if err := p.datasource.CreateMerchant(ctx, merchant); err != nil {
		return nil, err
	}
	return merchant, nil
}

// GetMerchant returns one merchant by id.
func (p *Problemsolver) GetMerchant(ctx context.Context, id uuid.UUID) (*model.Merchant, error) {
	return p.datasource.GetMerchantByID(ctx, id)
}

// GetDepositByTxID returns the stored raw deposit for a source
// transaction id.
func (p *Problemsolver) GetDepositByTxID(ctx context.Context, txID string) (*model.RawDeposit, error) {
	return p.datasource.GetDepositByTxID(ctx, txID)
}
