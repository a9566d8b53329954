package credits

// DeductionSplit describes how a settled amount is drawn from the monthly and bonus pools.
type DeductionSplit struct {
	MonthlyDeducted Credits
	BonusDeducted   Credits
}

// CalculateDeductionSplit draws from the remaining monthly allocation first and charges the
// rest to bonus credits. The bonus share is not capped, so bonus may go negative; the
// overdraft bound is enforced when the hold is placed.
func CalculateDeductionSplit(monthlyRemaining Credits, actualCredits Credits) DeductionSplit {
	if actualCredits <= 0 {
		return DeductionSplit{}
	}
	monthlyDeducted := min(max(monthlyRemaining, 0), actualCredits)
	return DeductionSplit{
		MonthlyDeducted: monthlyDeducted,
		BonusDeducted:   actualCredits - monthlyDeducted,
	}
}

// Total returns the sum of both shares.
func (split DeductionSplit) Total() Credits {
	return split.MonthlyDeducted + split.BonusDeducted
}
