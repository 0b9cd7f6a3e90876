package model

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amount differentiation reserves the K least-significant decimal digits of
// a published invoice amount as a per-invoice nonce, so that many invoices
// sharing one pooled deposit address remain distinguishable by amount
// alone. The nonce is derived deterministically from the invoice UUID:
//
//	index  := uuid-as-int mod 10^k
//	delta  := index * 10^-k
//	amount := truncate(base + delta, network precision)
//
// Deterministic by construction; allocation collisions among pending
// invoices are resolved at creation time by retrying with a fresh UUID.

// Decimal places supported per settlement network.
var networkPrecisions = map[string]int32{
	"ERC20": 6,
	"ETH":   6,
	"TRC20": 6,
	"TRON":  6,
	"BEP20": 18,
	"BSC":   18,
}

// defaultPrecision is the conservative fallback for unknown networks.
const defaultPrecision int32 = 6

// NetworkPrecision returns the number of decimal places representable on
// the given network.
func NetworkPrecision(network string) int32 {
	if network == "" {
		return defaultPrecision
	}
	if p, ok := networkPrecisions[strings.ToUpper(network)]; ok {
		return p
	}
	return defaultPrecision
}

// InvoiceIndex deterministically derives the amount-diff nonce from an
// invoice UUID. The result is in [0, 10^k).
func InvoiceIndex(invoiceID uuid.UUID, k int) int64 {
	if k <= 0 {
		return 0
	}
	num := new(big.Int).SetBytes(invoiceID[:])
	modulus := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(k)), nil)
	return new(big.Int).Mod(num, modulus).Int64()
}

// AmountDelta computes the decimal perturbation for an invoice.
// k=3 yields deltas in increments of 0.001.
func AmountDelta(invoiceID uuid.UUID, k int) decimal.Decimal {
	return decimal.New(InvoiceIndex(invoiceID, k), -int32(k))
}

// PublishAmount returns base plus the invoice's delta, truncated to the
// network precision. Truncation rather than rounding keeps the result
// deterministic and never overstates what the payer owes.
func PublishAmount(base decimal.Decimal, invoiceID uuid.UUID, network string, k int) decimal.Decimal {
	return base.Add(AmountDelta(invoiceID, k)).Truncate(NetworkPrecision(network))
}
