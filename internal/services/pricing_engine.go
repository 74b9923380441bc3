package services

import (
	"fmt"
	"math"
	"unicode/utf8"

	domain "github.com/carawoo/mereal/internal/domain"
)

const (
	pricingCurrency = "KRW"

	minPrintQuantity = 1
	maxPrintQuantity = 100
	maxPrintNotesLen = 1000
)

// PrintPriceTable holds the tariff used to quote print orders.
type PrintPriceTable struct {
	BasePrices   map[domain.PaperSize]int64
	PaperRates   map[domain.PaperGrade]float64
	CuttingPrice int64
}

// DefaultPrintPriceTable returns the standard tariff.
func DefaultPrintPriceTable() PrintPriceTable {
	return PrintPriceTable{
		BasePrices: map[domain.PaperSize]int64{
			domain.PaperSizeA4: 5000,
			domain.PaperSizeA3: 8000,
			domain.PaperSizeA2: 12000,
		},
		PaperRates: map[domain.PaperGrade]float64{
			domain.PaperGradeStandard: 1,
			domain.PaperGradePremium:  1.5,
		},
		CuttingPrice: 2000,
	}
}

// PrintPricingEngine computes order totals server side. Client-submitted totals are never used.
type PrintPricingEngine struct {
	table PrintPriceTable
}

// NewPrintPricingEngine builds an engine over table. A zero table falls back to the default tariff.
func NewPrintPricingEngine(table PrintPriceTable) *PrintPricingEngine {
	if len(table.BasePrices) == 0 || len(table.PaperRates) == 0 {
		table = DefaultPrintPriceTable()
	}
	return &PrintPricingEngine{table: table}
}

var _ PricingEngine = (*PrintPricingEngine)(nil)

// Quote validates options and prices them: (base * paper rate + cutting) * quantity, rounded.
func (e *PrintPricingEngine) Quote(options PrintOptions) (PriceQuote, error) {
	if err := validatePrintOptions(options); err != nil {
		return PriceQuote{}, err
	}
	base, ok := e.table.BasePrices[options.Size]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: unsupported size %q", ErrValidation, options.Size)
	}
	rate, ok := e.table.PaperRates[options.Paper]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: unsupported paper %q", ErrValidation, options.Paper)
	}

	var cutting int64
	if options.Cutting {
		cutting = e.table.CuttingPrice
	}
	unit := float64(base)*rate + float64(cutting)
	total := math.Round(unit * float64(options.Quantity))

	return PriceQuote{
		Currency:  pricingCurrency,
		UnitPrice: int64(math.Round(unit)),
		BasePrice: base,
		PaperRate: rate,
		Cutting:   cutting,
		Quantity:  options.Quantity,
		Total:     int64(total),
	}, nil
}

func validatePrintOptions(options PrintOptions) error {
	switch options.Size {
	case domain.PaperSizeA4, domain.PaperSizeA3, domain.PaperSizeA2:
	default:
		return fmt.Errorf("%w: size must be one of A4, A3, A2", ErrValidation)
	}
	switch options.Paper {
	case domain.PaperGradeStandard, domain.PaperGradePremium:
	default:
		return fmt.Errorf("%w: paper must be standard or premium", ErrValidation)
	}
	if options.Quantity < minPrintQuantity || options.Quantity > maxPrintQuantity {
		return fmt.Errorf("%w: quantity must be between %d and %d", ErrValidation, minPrintQuantity, maxPrintQuantity)
	}
	if utf8.RuneCountInString(options.Notes) > maxPrintNotesLen {
		return fmt.Errorf("%w: notes must be at most %d characters", ErrValidation, maxPrintNotesLen)
	}
	return nil
}
