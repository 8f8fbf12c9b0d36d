package bill

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultTipPercentage is the tip applied to a new bill
	DefaultTipPercentage = 15
	// DefaultCurrency is the display symbol used when none is known
	DefaultCurrency = "$"
	// MinPeople is the smallest party a bill can be split between
	MinPeople = 1
)

// TipPresets are the quick-select tip percentages offered by the UI
var TipPresets = []float64{10, 15, 18, 20, 25}

// Bill is the user-editable input of the calculator
type Bill struct {
	Amount        float64 `json:"amount"`
	TipPercentage float64 `json:"tip_percentage"`
	PeopleCount   int     `json:"people_count"`
	Currency      string  `json:"currency"` // display symbol only, never converted
}

// Result is the tip and total breakdown derived from a Bill
type Result struct {
	TipAmount      float64 `json:"tip_amount"`
	TotalAmount    float64 `json:"total_amount"`
	TipPerPerson   float64 `json:"tip_per_person"`
	TotalPerPerson float64 `json:"total_per_person"`
}

// Display holds the formatted values of a Result
type Display struct {
	TotalPerPerson string `json:"total_per_person"`
	TotalAmount    string `json:"total_amount"`
	TipAmount      string `json:"tip_amount"`
	TipPerPerson   string `json:"tip_per_person"`
}

// New returns a bill with the default tip, a single person and no amount
func New() Bill {
	return Bill{
		Amount:        0,
		TipPercentage: DefaultTipPercentage,
		PeopleCount:   MinPeople,
		Currency:      DefaultCurrency,
	}
}

// Recalculate derives the tip and total breakdown for b.
// A people count below MinPeople is treated as MinPeople.
func Recalculate(b Bill) Result {
	people := b.PeopleCount
	if people < MinPeople {
		people = MinPeople
	}

	tipAmount := b.Amount * (b.TipPercentage / 100)
	totalAmount := b.Amount + tipAmount

	return Result{
		TipAmount:      tipAmount,
		TotalAmount:    totalAmount,
		TipPerPerson:   tipAmount / float64(people),
		TotalPerPerson: totalAmount / float64(people),
	}
}

// AdjustPeopleCount returns a copy of b with delta applied to the party size,
// never going below MinPeople. The sum saturates instead of overflowing.
func AdjustPeopleCount(b Bill, delta int) Bill {
	switch {
	case delta > 0 && b.PeopleCount > math.MaxInt-delta:
		b.PeopleCount = math.MaxInt
	case delta < 0 && b.PeopleCount < math.MinInt-delta:
		b.PeopleCount = MinPeople
	default:
		b.PeopleCount = max(MinPeople, b.PeopleCount+delta)
	}
	return b
}

// WithTipPercentage returns a copy of b with the tip set to pct, floored at 0
func WithTipPercentage(b Bill, pct float64) Bill {
	if math.IsNaN(pct) || pct < 0 {
		pct = 0
	}
	b.TipPercentage = pct
	return b
}

// numberPrefix matches the leading decimal number of an amount field
var numberPrefix = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?`)

// ParseAmount parses the leading number of a raw amount field, ignoring
// anything after it ("12abc" is 12). Anything that is not a finite,
// non-negative number yields 0.
func ParseAmount(raw string) float64 {
	v, err := strconv.ParseFloat(numberPrefix.FindString(strings.TrimSpace(raw)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// FormatMoney renders value with two decimals prefixed by the currency symbol
func FormatMoney(value float64, currencySymbol string) string {
	return currencySymbol + strconv.FormatFloat(value, 'f', 2, 64)
}

// Format renders every value of r with the given currency symbol
func Format(r Result, currencySymbol string) Display {
	return Display{
		TotalPerPerson: FormatMoney(r.TotalPerPerson, currencySymbol),
		TotalAmount:    FormatMoney(r.TotalAmount, currencySymbol),
		TipAmount:      FormatMoney(r.TipAmount, currencySymbol),
		TipPerPerson:   FormatMoney(r.TipPerPerson, currencySymbol),
	}
}
