package decimal

import (
	"math"
	"math/big"
)

// EpochsPerYear is the annualisation factor: 365 days * 2 epochs/day on the
// target chain, per SPEC_FULL.md §4.5.
const EpochsPerYear = 730

// bigFloatPrec is the mantissa precision used when converting the
// rewards/stake ratio to float64. Stakes run to 10^26+ base units; 256 bits
// keeps well over the first 10 significant digits of the ratio before the
// lossy big.Float -> float64 conversion, per SPEC_FULL.md §4.5's precision
// requirement.
const bigFloatPrec = 256

// Annualize computes the annualised percentage yield for one epoch's reward
// over the given stake, rounded to 2 decimal places. apy is 0 when stake is
// zero or rewards is zero; it is monotone non-decreasing in rewards for a
// fixed positive stake.
//
// The ratio is computed in arbitrary-precision big.Float and only converted
// to float64 at the very last step — this is the double formulation
// SPEC_FULL.md §9 selects over the original's truncating-integer revision,
// which computes everything in u128 and always yields a whole percent.
func Annualize(rewards, stake *big.Int) float64 {
	if stake == nil || stake.Sign() == 0 {
		return 0
	}
	if rewards == nil || rewards.Sign() == 0 {
		return 0
	}

	r := new(big.Float).SetPrec(bigFloatPrec).SetInt(rewards)
	s := new(big.Float).SetPrec(bigFloatPrec).SetInt(stake)
	ratio := new(big.Float).SetPrec(bigFloatPrec).Quo(r, s)

	ratioF64, _ := ratio.Float64()
	apy := ratioF64 * EpochsPerYear * 100
	return round2(apy)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
