package stream

import (
	"math"
	"math/big"
)

// Amount arithmetic. Wire amounts are unsigned 64-bit; running totals
// are arbitrary-precision; exchange rates are exact rationals. Nothing
// here goes through floating point except the one-time conversion of
// the configured slippage.

// amountUnlimited is the sentinel for "no known limit". The max packet
// amount starts here and only ever shrinks.
const amountUnlimited = math.MaxUint64

// satAdd adds two amounts, saturating at the 64-bit ceiling.
func satAdd(a, b uint64) uint64 {
	if a > amountUnlimited-b {
		return amountUnlimited
	}
	return a + b
}

// satSub subtracts b from a, flooring at zero.
func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// rateFromAmounts builds the exchange rate delivered/sent.
func rateFromAmounts(delivered, sent uint64) *big.Rat {
	return new(big.Rat).SetFrac(
		new(big.Int).SetUint64(delivered),
		new(big.Int).SetUint64(sent),
	)
}

// sourceToDestFloor converts a source amount to destination units,
// rounding down. This is the direction used for the minimum
// destination amount a sender demands.
func sourceToDestFloor(source uint64, rate *big.Rat) uint64 {
	v := new(big.Rat).Mul(new(big.Rat).SetInt(new(big.Int).SetUint64(source)), rate)
	return clampBigToUint64(new(big.Int).Quo(v.Num(), v.Denom()))
}

// destToSourceCeil converts a destination amount to source units,
// rounding up. This is the direction used for caps derived from the
// peer's receive windows: rounding down could strand the last unit.
func destToSourceCeil(dest uint64, rate *big.Rat) uint64 {
	if rate.Sign() == 0 {
		return amountUnlimited
	}
	// dest / rate = dest * denom / num, rounded up.
	num := new(big.Int).Mul(new(big.Int).SetUint64(dest), rate.Denom())
	quo, rem := new(big.Int).QuoRem(num, rate.Num(), new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return clampBigToUint64(quo)
}

// applyRateWithSlippage computes floor(amount · rate · (1 − slippage)),
// the minimum destination amount demanded for a packet.
func applyRateWithSlippage(amount uint64, rate *big.Rat, slippage *big.Rat) uint64 {
	factor := new(big.Rat).Sub(big.NewRat(1, 1), slippage)
	v := new(big.Rat).SetInt(new(big.Int).SetUint64(amount))
	v.Mul(v, rate)
	v.Mul(v, factor)
	return clampBigToUint64(new(big.Int).Quo(v.Num(), v.Denom()))
}

// clampBigToUint64 converts a non-negative big integer to uint64,
// saturating at the ceiling.
func clampBigToUint64(v *big.Int) uint64 {
	if v.Sign() < 0 {
		return 0
	}
	if !v.IsUint64() {
		return amountUnlimited
	}
	return v.Uint64()
}

// significantDigits counts the decimal digits of v. The prober uses it
// to judge how precisely a delivered amount pins down the rate.
func significantDigits(v uint64) int {
	if v == 0 {
		return 0
	}
	digits := 0
	for v > 0 {
		digits++
		v /= 10
	}
	return digits
}

// addToTotal grows a running big-integer total by a wire amount.
func addToTotal(total *big.Int, amount uint64) {
	total.Add(total, new(big.Int).SetUint64(amount))
}
