// Package calculator holds the pure money and date rules of the lease
// lifecycle: late fees and trial lengths.
package calculator

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LateFeePolicy describes the tiered late fee. Days up to GraceDays cost
// nothing, days up to MidTierMaxDays cost MidPercent of the rent, anything
// later costs HighPercent.
type LateFeePolicy struct {
	GraceDays      int   `yaml:"grace_days"`
	MidTierMaxDays int   `yaml:"mid_tier_max_days"`
	MidPercent     int64 `yaml:"mid_percent"`
	HighPercent    int64 `yaml:"high_percent"`
}

// DefaultLateFeePolicy is the 5/12 day, 5%/10% policy.
func DefaultLateFeePolicy() LateFeePolicy {
	return LateFeePolicy{
		GraceDays:      5,
		MidTierMaxDays: 12,
		MidPercent:     5,
		HighPercent:    10,
	}
}

// Validate checks that the tiers are ordered and the percentages sane.
func (p LateFeePolicy) Validate() error {
	if p.GraceDays < 0 {
		return fmt.Errorf("grace_days cannot be negative")
	}
	if p.MidTierMaxDays < p.GraceDays {
		return fmt.Errorf("mid_tier_max_days (%d) must be >= grace_days (%d)", p.MidTierMaxDays, p.GraceDays)
	}
	if p.MidPercent < 0 || p.HighPercent < 0 || p.MidPercent > 100 || p.HighPercent > 100 {
		return fmt.Errorf("percentages must be between 0 and 100")
	}
	return nil
}

// Percent returns the percentage of rent charged at daysLate.
func (p LateFeePolicy) Percent(daysLate int) int64 {
	switch {
	case daysLate <= p.GraceDays:
		return 0
	case daysLate <= p.MidTierMaxDays:
		return p.MidPercent
	default:
		return p.HighPercent
	}
}

// LateFee computes the fee for rent paid daysLate days late.
// Amounts are in minor units; the product is rounded half away from zero.
//
//	fee(rent, 5)     = 0
//	fee(1000, 8)     = 50
//	fee(1000, 15)    = 100
func LateFee(rent int64, daysLate int, policy LateFeePolicy) int64 {
	pct := policy.Percent(daysLate)
	if pct == 0 || rent <= 0 {
		return 0
	}
	return decimal.NewFromInt(rent).
		Mul(decimal.New(pct, -2)).
		Round(0).
		IntPart()
}
