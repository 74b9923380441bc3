package domain

// PriceQuote captures the server-computed price of a draft order.
type PriceQuote struct {
	Currency  string
	UnitPrice int64
	BasePrice int64
	PaperRate float64
	Cutting   int64
	Quantity  int
	Total     int64
}
