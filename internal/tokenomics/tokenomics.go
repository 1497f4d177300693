// Package tokenomics implements the deterministic pricing, fee, and
// balance-mutation rules that turn reported token usage into MULE amounts.
//
// Every function here is pure: same inputs, same output, no I/O. The Ledger
// Gateway is the only caller that turns these numbers into mutations.
package tokenomics

import (
	"math"

	"github.com/cm64-studio/llmule-broker/internal/classifier"
)

// Decimals is the fixed-point precision of a MULE amount.
const Decimals = 6

// WelcomeAmount is granted once, on first sight of a new account.
const WelcomeAmount = 1.0

// PlatformFeeRate is the fraction of every consumption amount retained by
// the broker.
const PlatformFeeRate = 0.10

// ConversionRates gives tokens-per-MULE for each tier.
var ConversionRates = map[classifier.Tier]float64{
	classifier.TierSmall:  1_000_000,
	classifier.TierMedium: 500_000,
	classifier.TierLarge:  250_000,
	classifier.TierXL:     125_000,
}

// round6 rounds to Decimals fractional digits, half-away-from-zero.
func round6(v float64) float64 {
	scale := math.Pow10(Decimals)
	if v >= 0 {
		return math.Floor(v*scale+0.5) / scale
	}
	return math.Ceil(v*scale-0.5) / scale
}

// TokensToMules converts a raw token count to a MULE amount for the given
// tier. Non-finite or negative n is clamped to 0 rather than propagating a
// bad value into the ledger.
func TokensToMules(n float64, tier classifier.Tier) float64 {
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return 0
	}
	rate, ok := ConversionRates[tier]
	if !ok || rate <= 0 {
		return 0
	}
	return round6(n / rate)
}

// MulesToTokens converts a MULE amount back to a token budget for the given
// tier, truncating toward zero so the result never overestimates what the
// amount can actually buy.
func MulesToTokens(m float64, tier classifier.Tier) int64 {
	if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
		return 0
	}
	rate, ok := ConversionRates[tier]
	if !ok || rate <= 0 {
		return 0
	}
	return int64(math.Floor(m * rate))
}

// PlatformFee returns the broker's cut of a MULE amount.
func PlatformFee(m float64) float64 {
	return round6(m * PlatformFeeRate)
}

// ProviderEarnings returns what the provider keeps after the platform fee.
func ProviderEarnings(m float64) float64 {
	return round6(m * (1 - PlatformFeeRate))
}
