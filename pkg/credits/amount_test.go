package credits

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCreditsStringAndParse(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		raw      string
		expected Credits
		rendered string
	}{
		{name: "whole", raw: "10", expected: 10000, rendered: "10"},
		{name: "fraction", raw: "2.5", expected: 2500, rendered: "2.5"},
		{name: "thousandths", raw: "0.125", expected: 125, rendered: "0.125"},
		{name: "negative", raw: "-3.75", expected: -3750, rendered: "-3.75"},
		{name: "rounded", raw: "1.0004", expected: 1000, rendered: "1"},
		{name: "zero", raw: "0", expected: 0, rendered: "0"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			parsed, err := ParseCredits(testCase.raw)
			if err != nil {
				test.Fatalf("parse %q: %v", testCase.raw, err)
			}
			if parsed != testCase.expected {
				test.Fatalf("expected %d, got %d", testCase.expected, parsed)
			}
			if parsed.String() != testCase.rendered {
				test.Fatalf("expected %q, got %q", testCase.rendered, parsed.String())
			}
		})
	}
}

func TestCreditsRejectInvalidInput(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "abc", "NaN", "Inf"} {
		if _, err := ParseCredits(raw); !errors.Is(err, ErrInvalidCredits) {
			test.Fatalf("expected ErrInvalidCredits for %q, got %v", raw, err)
		}
	}
	if _, err := NewCredits(-1); !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected negative credits to be rejected, got %v", err)
	}
	if _, err := NewPositiveCredits(0); !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected zero positive credits to be rejected, got %v", err)
	}
}

func TestCreditsJSONUsesWholeCredits(test *testing.T) {
	test.Parallel()
	payload := struct {
		Amount Credits `json:"amount"`
	}{Amount: 2500}
	encoded, err := json.Marshal(payload)
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `{"amount":2.5}` {
		test.Fatalf("unexpected json %s", encoded)
	}
	var decoded struct {
		Amount Credits `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`{"amount":0.75}`), &decoded); err != nil {
		test.Fatalf("unmarshal: %v", err)
	}
	if decoded.Amount != 750 {
		test.Fatalf("expected 750, got %d", decoded.Amount)
	}
}

func TestBalanceDerivedValues(test *testing.T) {
	test.Parallel()
	balance := Balance{
		MonthlyCredits:  WholeCredits(10),
		BonusCredits:    WholeCredits(4),
		ReservedCredits: WholeCredits(3),
		UsedThisPeriod:  WholeCredits(2),
		OverdraftLimit:  WholeCredits(5),
	}
	if balance.Available() != WholeCredits(9) {
		test.Fatalf("expected available 9, got %s", balance.Available())
	}
	if balance.Spendable() != WholeCredits(14) {
		test.Fatalf("expected spendable 14, got %s", balance.Spendable())
	}
	if balance.MonthlyRemaining() != WholeCredits(8) {
		test.Fatalf("expected monthly remaining 8, got %s", balance.MonthlyRemaining())
	}
	balance.UsedThisPeriod = WholeCredits(12)
	if balance.MonthlyRemaining() != 0 {
		test.Fatalf("expected monthly remaining clamped to 0, got %s", balance.MonthlyRemaining())
	}
}
