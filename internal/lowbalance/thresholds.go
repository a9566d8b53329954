package lowbalance

import (
	"math"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
)

// Threshold names the balance level that triggered an event.
type Threshold string

const (
	ThresholdLow      Threshold = "low"
	ThresholdDepleted Threshold = "depleted"
)

const (
	lowBalancePercent = 20
	depletedBalance   = credits.Credits(credits.CreditScale)
)

// DetermineThreshold reports which threshold available crosses, if any. Depleted wins over low.
func DetermineThreshold(available credits.Credits, monthly credits.Credits) (Threshold, bool) {
	if available <= depletedBalance {
		return ThresholdDepleted, true
	}
	if monthly > 0 && available.Int64()*100 < monthly.Int64()*lowBalancePercent {
		return ThresholdLow, true
	}
	return "", false
}

// PercentRemaining is available as a rounded percentage of monthly, never below zero.
func PercentRemaining(available credits.Credits, monthly credits.Credits) int {
	if monthly <= 0 {
		return 0
	}
	percent := math.Round(float64(available.Int64()) * 100 / float64(monthly.Int64()))
	if percent < 0 {
		return 0
	}
	return int(percent)
}
