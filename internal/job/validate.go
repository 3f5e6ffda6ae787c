package job

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultMaxUnits is the server's batch ceiling.
const DefaultMaxUnits = 5000

// Validator checks a StartRequest before it reaches the server.
type Validator interface {
	Validate(req StartRequest) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(req StartRequest) error

func (f ValidatorFunc) Validate(req StartRequest) error {
	return f(req)
}

// Chain runs validators in order and returns the first error.
type Chain []Validator

func (c Chain) Validate(req StartRequest) error {
	for _, v := range c {
		if err := v.Validate(req); err != nil {
			return err
		}
	}
	return nil
}

// DefaultValidator is the chain every Tracker uses unless told otherwise.
// A ceiling of 0 or more than DefaultMaxUnits is replaced by DefaultMaxUnits.
func DefaultValidator(ceiling int) Chain {
	if ceiling <= 0 || ceiling > DefaultMaxUnits {
		ceiling = DefaultMaxUnits
	}
	return Chain{
		RequireUnits(),
		MaxUnits(ceiling),
		NonBlankUnits(),
		KnownInterval(),
		PeriodForInterval(),
	}
}

// RequireUnits rejects a request with no units.
func RequireUnits() Validator {
	return ValidatorFunc(func(req StartRequest) error {
		if len(req.Units) == 0 {
			return &ValidationError{Field: "units", Message: "at least one symbol is required"}
		}
		return nil
	})
}

// MaxUnits rejects a request with more than ceiling units.
func MaxUnits(ceiling int) Validator {
	return ValidatorFunc(func(req StartRequest) error {
		if len(req.Units) > ceiling {
			return &ValidationError{
				Field:   "units",
				Message: fmt.Sprintf("%d symbols exceeds the limit of %d", len(req.Units), ceiling),
			}
		}
		return nil
	})
}

// NonBlankUnits rejects empty or whitespace-only symbols.
func NonBlankUnits() Validator {
	return ValidatorFunc(func(req StartRequest) error {
		for i, u := range req.Units {
			if strings.TrimSpace(u) == "" {
				return &ValidationError{Field: fmt.Sprintf("units[%d]", i), Message: "symbol is blank"}
			}
		}
		return nil
	})
}

// periodsByInterval lists the periods the data source accepts for each
// interval. Intraday intervals only reach back a limited distance.
var periodsByInterval = map[string][]string{
	"1m":  {"1d", "5d", "7d"},
	"2m":  {"1d", "5d", "60d"},
	"5m":  {"1d", "5d", "1mo", "60d"},
	"15m": {"1d", "5d", "1mo", "60d"},
	"30m": {"1d", "5d", "1mo", "60d"},
	"60m": {"1d", "5d", "1mo", "3mo", "6mo", "1y", "2y", "730d"},
	"90m": {"1d", "5d", "1mo", "3mo", "6mo", "1y", "2y", "730d"},
	"1h":  {"1d", "5d", "1mo", "3mo", "6mo", "1y", "2y", "730d"},
	"1d":  longPeriods,
	"5d":  longPeriods,
	"1wk": longPeriods,
	"1mo": longPeriods,
	"3mo": longPeriods,
}

var longPeriods = []string{"1d", "5d", "1mo", "3mo", "6mo", "1y", "2y", "5y", "10y", "ytd", "max"}

// KnownInterval rejects intervals the data source does not offer. An empty
// interval passes.
func KnownInterval() Validator {
	return ValidatorFunc(func(req StartRequest) error {
		if req.Interval == "" {
			return nil
		}
		if _, ok := periodsByInterval[req.Interval]; !ok {
			return &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q", req.Interval)}
		}
		return nil
	})
}

// PeriodForInterval rejects a period the interval cannot cover, such as a
// year of one-minute bars.
func PeriodForInterval() Validator {
	return ValidatorFunc(func(req StartRequest) error {
		if req.Interval == "" || req.Period == "" {
			return nil
		}
		allowed, ok := periodsByInterval[req.Interval]
		if !ok {
			return nil
		}
		if !slices.Contains(allowed, req.Period) {
			return &ValidationError{
				Field:   "period",
				Message: fmt.Sprintf("period %q is not available for interval %q (allowed: %s)", req.Period, req.Interval, strings.Join(allowed, ", ")),
			}
		}
		return nil
	})
}
