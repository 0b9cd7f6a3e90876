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
package model

import (
	"errors"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lordkingpriest/problemsolver"
	"github.com/lordkingpriest/problemsolver/model"
)

// CreateInvoice is the request body for publishing a new invoice. The
// amount actually published to the payer is derived server-side and will
// differ from BaseAmount in the trailing digits.
type CreateInvoice struct {
	MerchantID    string                 `json:"merchant_id"`
	BaseAmount    decimal.Decimal        `json:"base_amount"`
	Currency      string                 `json:"currency"`
	Network       string                 `json:"network"`
	Address       string                 `json:"address"`
	AddressTag    string                 `json:"address_tag"`
	ExpirySeconds int                    `json:"expiry_seconds"`
	MetaData      map[string]interface{} `json:"meta_data"`
}

// CreateMerchant is the request body for registering a merchant.
type CreateMerchant struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
	RiskTier   string `json:"risk_tier"`
}

func uuidValidation(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return errors.New("invalid type for id")
	}
	if _, err := uuid.Parse(s); err != nil {
		return errors.New("must be a valid UUID")
	}
	return nil
}

func positiveAmountValidation(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid type for amount")
	}
	if !amount.IsPositive() {
		return errors.New("base_amount must be greater than zero")
	}
	return nil
}

func webhookURLValidation(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return errors.New("invalid type for webhook_url")
	}
	if s == "" {
		return nil
	}
	u, err := url.ParseRequestURI(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("webhook_url must be a valid http(s) URL")
	}
	return nil
}

func (i *CreateInvoice) ValidateCreateInvoice() error {
	return validation.ValidateStruct(i,
		validation.Field(&i.MerchantID, validation.Required, validation.By(uuidValidation)),
		validation.Field(&i.BaseAmount, validation.By(positiveAmountValidation)),
		validation.Field(&i.Address, validation.Required),
		validation.Field(&i.Network, validation.Required),
		validation.Field(&i.ExpirySeconds, validation.Min(0)),
	)
}

func (m *CreateMerchant) ValidateCreateMerchant() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Name, validation.Required),
		validation.Field(&m.WebhookURL, validation.By(webhookURLValidation)),
		validation.Field(&m.RiskTier, validation.In("", "low", "medium", "high")),
	)
}

// ToNewInvoice converts a validated request into the service request type.
func (i *CreateInvoice) ToNewInvoice() problemsolver.NewInvoice {
	merchantID, _ := uuid.Parse(i.MerchantID)
	return problemsolver.NewInvoice{
		MerchantID:    merchantID,
		BaseAmount:    i.BaseAmount,
		Currency:      i.Currency,
		Network:       i.Network,
		Address:       i.Address,
		AddressTag:    i.AddressTag,
		ExpirySeconds: i.ExpirySeconds,
		Metadata:      i.MetaData,
	}
}

// ToMerchant converts a validated request into the storage model.
func (m *CreateMerchant) ToMerchant() *model.Merchant {
	return &model.Merchant{
		Name:       m.Name,
		WebhookURL: m.WebhookURL,
		RiskTier:   m.RiskTier,
	}
}
