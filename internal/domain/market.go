package domain

import "time"

// MarketPrice is a bid/ask snapshot for one symbol.
type MarketPrice struct {
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Market describes exchange metadata for one symbol.
type Market struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`  // e.g. BTC in BTC/USDT
	Quote  string `json:"quote"` // e.g. USDT

	MinLot  float64 `json:"min_lot"`  // minimum order volume, base units
	MinCost float64 `json:"min_cost"` // minimum order cost, quote units

	PricePrecision  int32 `json:"price_precision"`
	VolumePrecision int32 `json:"volume_precision"`

	Active bool `json:"active"`
	Spot   bool `json:"spot"`
}

// Fill is the exchange's answer to an order submission.
type Fill struct {
	Price  float64 `json:"price"`
	Filled float64 `json:"filled"` // base units actually executed
	Fee    float64 `json:"fee"`    // in base units for buys, quote for sells
	// FeeKnown is false when the exchange does not report fees on the
	// fill; the caller then re-derives commission from wallet deltas.
	FeeKnown bool `json:"fee_known"`
}

// WalletBalance maps currency to free amount for one (user, exchange).
type WalletBalance map[string]float64

// Free returns the free amount of a currency, zero when absent.
func (w WalletBalance) Free(currency string) float64 {
	return w[currency]
}
