package credits

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CreditScale is the number of Credits units in one whole credit.
const CreditScale = 1000

// Credits is a signed fixed-point credit amount counted in thousandths of a credit.
type Credits int64

// NewCredits validates a raw amount and ensures it is not negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates a raw amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// WholeCredits converts a whole number of credits.
func WholeCredits(whole int64) Credits {
	return Credits(whole * CreditScale)
}

// CreditsFromFloat converts a decimal credit value, rounding to the nearest thousandth.
func CreditsFromFloat(value float64) (Credits, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: not a finite number", ErrInvalidCredits)
	}
	scaled := math.Round(value * CreditScale)
	if scaled > math.MaxInt64/2 || scaled < math.MinInt64/2 {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidCredits)
	}
	return Credits(int64(scaled)), nil
}

// ParseCredits parses a decimal string such as "2.5".
func ParseCredits(raw string) (Credits, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidCredits)
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCredits, err)
	}
	return CreditsFromFloat(value)
}

// Int64 returns the raw thousandths.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// Float64 returns the amount in whole credits.
func (amount Credits) Float64() float64 {
	return float64(amount) / CreditScale
}

// Negated flips the sign.
func (amount Credits) Negated() Credits {
	return -amount
}

// String renders the amount as a minimal decimal ("2.5", "-0.125", "10").
func (amount Credits) String() string {
	raw := int64(amount)
	sign := ""
	if raw < 0 {
		sign = "-"
		raw = -raw
	}
	whole := raw / CreditScale
	fraction := raw % CreditScale
	if fraction == 0 {
		return sign + strconv.FormatInt(whole, 10)
	}
	fractionText := strings.TrimRight(fmt.Sprintf("%03d", fraction), "0")
	return sign + strconv.FormatInt(whole, 10) + "." + fractionText
}

// MarshalJSON encodes the amount as a JSON number in whole credits.
func (amount Credits) MarshalJSON() ([]byte, error) {
	return []byte(amount.String()), nil
}

// UnmarshalJSON decodes a JSON number in whole credits.
func (amount *Credits) UnmarshalJSON(data []byte) error {
	parsed, err := ParseCredits(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*amount = parsed
	return nil
}
