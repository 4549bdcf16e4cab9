// Package bom turns the bill-of-materials table embedded in generator output
// into priced line items.
package bom

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"pcbtool/internal/document"
	"pcbtool/internal/domain"
)

const (
	StatusOK       = "BOM data analyzed successfully."
	StatusNoPrices = "BOM data analyzed successfully, but the table has no unit-price column; all prices default to 0."
	StatusNoCSV    = "No CSV data found in the provided BOM text."

	// DiscountVendor is the one store whose prices are discounted.
	DiscountVendor = "华秋商城"
)

var discountFactor = decimal.RequireFromString("0.9")

var (
	componentColumns = []string{"元器件型号", "component", "part", "name"}
	quantityColumns  = []string{"数量", "qty", "quantity"}
	priceColumns     = []string{"price", "单价", "unit_price"}
)

// Analysis is the outcome of Analyze. Failures are reported through Status
// with an empty Items slice.
type Analysis struct {
	Status         string
	Items          []domain.LineItem
	PricingMissing bool
}

// Analyze extracts the fenced CSV table from bomText and prices each row.
// It never fails outright: a missing or malformed table is a status.
func Analyze(bomText string) Analysis {
	content, ok := document.ExtractFenced(bomText, "csv")
	if !ok {
		return Analysis{Status: StatusNoCSV, Items: []domain.LineItem{}}
	}
	items, pricingMissing, err := parseTable(content)
	if err != nil {
		return Analysis{Status: "Failed to parse CSV data: " + err.Error(), Items: []domain.LineItem{}}
	}
	status := StatusOK
	if pricingMissing {
		status = StatusNoPrices
	}
	return Analysis{Status: status, Items: items, PricingMissing: pricingMissing}
}

func parseTable(content string) ([]domain.LineItem, bool, error) {
	r := csv.NewReader(strings.NewReader(content))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, false, errors.New("table is empty")
	}
	if err != nil {
		return nil, false, err
	}
	nameIdx := columnIndex(header, componentColumns)
	qtyIdx := columnIndex(header, quantityColumns)
	if nameIdx < 0 || qtyIdx < 0 {
		return nil, false, fmt.Errorf("CSV must contain %q and %q columns", componentColumns[0], quantityColumns[0])
	}
	priceIdx := columnIndex(header, priceColumns)

	items := []domain.LineItem{}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, err
		}
		qty, err := parseNumber(rec[qtyIdx])
		if err != nil {
			return nil, false, fmt.Errorf("row %d: quantity: %w", line, err)
		}
		price := decimal.Zero
		if priceIdx >= 0 {
			if price, err = parseNumber(rec[priceIdx]); err != nil {
				return nil, false, fmt.Errorf("row %d: price: %w", line, err)
			}
		}
		items = append(items, domain.LineItem{
			Name:      strings.TrimSpace(rec[nameIdx]),
			UnitPrice: price,
			Quantity:  qty,
		})
	}
	return items, priceIdx < 0, nil
}

// columnIndex returns the column of the highest-priority alias present.
func columnIndex(header []string, aliases []string) int {
	for _, a := range aliases {
		a = strings.ToLower(a)
		for i, h := range header {
			if strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) == a {
				return i
			}
		}
	}
	return -1
}

func parseNumber(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}

// ApplyVendorPricing returns items re-priced for vendor. Only DiscountVendor
// changes prices; for every other vendor the items come back unchanged.
func ApplyVendorPricing(items []domain.LineItem, vendor string) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	copy(out, items)
	if vendor != DiscountVendor {
		return out
	}
	for i := range out {
		out[i].UnitPrice = out[i].UnitPrice.Mul(discountFactor)
	}
	return out
}

// TotalCost sums every line total; zero for no items.
func TotalCost(items []domain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Total())
	}
	return total
}
