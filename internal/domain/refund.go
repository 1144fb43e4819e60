package domain

import "math/bits"

// Refund policy constants, expressed in basis points of 10000.
const (
	refundDenomBP = 10000
	// cancelKeepBP is the share of the progress-proportional refund retained
	// on cancellation: a 10% cancellation fee baked into the rate.
	cancelKeepBP = 9000
)

// RefundAmount computes the credits returned for a terminal failure. It is a
// total function over well-formed entity state: integer-only arithmetic, no
// error path. progressBP is hundredths of a percent in [0, 10000].
//
//   - system, timeout: full refund.
//   - validation: the unspent share, floor(charged * remaining / 10000).
//   - canceled: the unspent share minus a 10% fee, capped so that no more
//     than 90% of the charge is ever returned.
func RefundAmount(charged int64, progressBP int, kind FailureKind) int64 {
	if charged <= 0 {
		return 0
	}
	if progressBP < 0 {
		progressBP = 0
	}
	if progressBP > MaxProgressBP {
		progressBP = MaxProgressBP
	}
	remainingBP := int64(refundDenomBP - progressBP)

	switch kind {
	case FailureSystem, FailureTimeout:
		return charged
	case FailureValidation:
		return mulDiv(charged, remainingBP, refundDenomBP)
	case FailureCanceled:
		proportional := mulDiv(charged, remainingBP*cancelKeepBP, refundDenomBP*refundDenomBP)
		hardCap := mulDiv(charged, cancelKeepBP, refundDenomBP)
		if proportional < hardCap {
			return proportional
		}
		return hardCap
	default:
		return 0
	}
}

// mulDiv returns floor(a * num / den) using a 128-bit intermediate so large
// charges cannot overflow. Requires a >= 0 and 0 < num <= den.
func mulDiv(a, num, den int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(num))
	q, _ := bits.Div64(hi, lo, uint64(den))
	return int64(q)
}
