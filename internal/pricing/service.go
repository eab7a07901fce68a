package pricing

import (
	"context"
	"errors"
)

var (
	ErrCalleeNotFound    = errors.New("pricing: callee not found")
	ErrInvalidPricingReq = errors.New("pricing: invalid request")
)

// Oracle answers what a callee charges.
// Implementations return ErrCalleeNotFound for an unknown callee; any other
// error means the lookup itself failed.
type Oracle interface {
	GetPrices(ctx context.Context, calleeID string) (Prices, error)
}

// CallCost computes the charge for a call of seconds at ratePerMinute.
// Every started minute is billed.
func CallCost(ratePerMinute int64, seconds int) Cost {
	if ratePerMinute < 0 {
		ratePerMinute = 0
	}
	billableSec := billableSeconds(seconds, 0, 60)
	billableMin := billableMinutesFromSeconds(billableSec)
	return Cost{
		BillableSeconds:    billableSec,
		BillableMinutes:    billableMin,
		RatePerMinuteMinor: ratePerMinute,
		TotalMinor:         ratePerMinute * int64(billableMin),
	}
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec <= 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}
