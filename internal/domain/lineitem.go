package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// LineItem is one priced BOM row. The total is derived from UnitPrice and
// Quantity every time it is read and is never stored on its own.
type LineItem struct {
	Name      string
	UnitPrice decimal.Decimal
	Quantity  decimal.Decimal
}

func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(li.Quantity)
}

type lineItemOut struct {
	Name      string      `json:"name"`
	UnitPrice json.Number `json:"unit_price"`
	Quantity  json.Number `json:"quantity"`
	Total     json.Number `json:"total"`
}

type lineItemIn struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

func (li LineItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(lineItemOut{
		Name:      li.Name,
		UnitPrice: json.Number(li.UnitPrice.String()),
		Quantity:  json.Number(li.Quantity.String()),
		Total:     json.Number(li.Total().String()),
	})
}

// UnmarshalJSON ignores any stored total.
func (li *LineItem) UnmarshalJSON(b []byte) error {
	var in lineItemIn
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*li = LineItem(in)
	return nil
}
