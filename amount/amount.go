package amount

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FractionBase is the number of fractional units in one currency unit.
const FractionBase = 100000000

// MaxValue bounds the integer part so that sums of realistic amounts cannot
// overflow an int64 when expressed in fractional units.
const MaxValue = uint64(1) << 52

var (
	// ErrCurrencyMismatch is returned when arithmetic mixes currencies.
	ErrCurrencyMismatch = errors.New("amount: currency mismatch")

	// ErrOverflow is returned when an operation would exceed MaxValue.
	ErrOverflow = errors.New("amount: value overflow")

	// ErrNegative is returned when a subtraction would go below zero.
	ErrNegative = errors.New("amount: negative result")

	// ErrInvalid is returned for unparseable amount strings.
	ErrInvalid = errors.New("amount: invalid format")
)

// Amount is a non-negative sum of money in a single currency. Fraction counts
// units of 1/FractionBase and is always below FractionBase in a normalised
// amount.
type Amount struct {
	Currency string `json:"currency"`
	Value    uint64 `json:"value"`
	Fraction uint32 `json:"fraction"`
}

// New constructs a normalised amount.
func New(currency string, value uint64, fraction uint32) (Amount, error) {
	a := Amount{Currency: strings.ToUpper(strings.TrimSpace(currency)), Value: value, Fraction: fraction}
	if a.Currency == "" {
		return Amount{}, fmt.Errorf("%w: empty currency", ErrInvalid)
	}
	a.normalize()
	if a.Value > MaxValue {
		return Amount{}, ErrOverflow
	}
	return a, nil
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

func (a *Amount) normalize() {
	if a.Fraction >= FractionBase {
		a.Value += uint64(a.Fraction / FractionBase)
		a.Fraction %= FractionBase
	}
}

// Parse decodes the textual form "CURRENCY:123.45". The fractional part may
// carry at most eight digits.
func Parse(s string) (Amount, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	currency := s[:idx]
	rest := s[idx+1:]
	intPart := rest
	fracPart := ""
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		intPart = rest[:dot]
		fracPart = rest[dot+1:]
		if fracPart == "" {
			return Amount{}, fmt.Errorf("%w: trailing dot in %q", ErrInvalid, s)
		}
	}
	value, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: bad integer part in %q", ErrInvalid, s)
	}
	var fraction uint32
	if fracPart != "" {
		if len(fracPart) > 8 {
			return Amount{}, fmt.Errorf("%w: too many fractional digits in %q", ErrInvalid, s)
		}
		f, err := strconv.ParseUint(fracPart, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: bad fractional part in %q", ErrInvalid, s)
		}
		for i := len(fracPart); i < 8; i++ {
			f *= 10
		}
		fraction = uint32(f)
	}
	return New(currency, value, fraction)
}

// MustParse parses s and panics on failure. For tests and constants only.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the canonical textual form.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := strings.TrimRight(fmt.Sprintf("%08d", a.Fraction), "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// SameCurrency reports whether both amounts share a currency.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}

// Cmp compares a against b. The result is -1, 0 or +1. Comparing different
// currencies returns an error.
func (a Amount) Cmp(b Amount) (int, error) {
	if !a.SameCurrency(b) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	switch {
	case a.Value != b.Value:
		if a.Value < b.Value {
			return -1, nil
		}
		return 1, nil
	case a.Fraction != b.Fraction:
		if a.Fraction < b.Fraction {
			return -1, nil
		}
		return 1, nil
	}
	return 0, nil
}

// Add returns a+b, failing on currency mismatch or overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	sum := Amount{Currency: a.Currency, Value: a.Value + b.Value, Fraction: a.Fraction + b.Fraction}
	sum.normalize()
	if sum.Value > MaxValue || sum.Value < a.Value {
		return Amount{}, ErrOverflow
	}
	return sum, nil
}

// Subtract returns a-b, failing on currency mismatch or a negative result.
func (a Amount) Subtract(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	cmp, _ := a.Cmp(b)
	if cmp < 0 {
		return Amount{}, ErrNegative
	}
	res := Amount{Currency: a.Currency, Value: a.Value - b.Value}
	if a.Fraction >= b.Fraction {
		res.Fraction = a.Fraction - b.Fraction
	} else {
		res.Value--
		res.Fraction = FractionBase + a.Fraction - b.Fraction
	}
	return res, nil
}

// Units returns the amount in fractional units. Guaranteed not to overflow
// for normalised amounts because Value is bounded by MaxValue.
func (a Amount) Units() int64 {
	return int64(a.Value)*FractionBase + int64(a.Fraction)
}

// FromUnits builds an amount from fractional units.
func FromUnits(currency string, units int64) (Amount, error) {
	if units < 0 {
		return Amount{}, ErrNegative
	}
	if units > math.MaxInt64-FractionBase {
		return Amount{}, ErrOverflow
	}
	return New(currency, uint64(units/FractionBase), uint32(units%FractionBase))
}

// Sum folds Add over amounts, starting from zero in the given currency.
func Sum(currency string, amounts ...Amount) (Amount, error) {
	total := Zero(currency)
	for _, a := range amounts {
		var err error
		total, err = total.Add(a)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}
