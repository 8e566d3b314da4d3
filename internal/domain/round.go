package domain

import "github.com/shopspring/decimal"

// RoundMoney rounds a monetary sum to 2 decimals. Only call at the
// point of persistence or return; intermediate math stays unrounded to
// avoid compounding error.
func RoundMoney(sum float64) float64 {
	f, _ := decimal.NewFromFloat(sum).Round(2).Float64()
	return f
}

// RoundVolume rounds a volume down to the market's precision. Rounding
// down keeps the order within the funds actually available.
func RoundVolume(volume float64, precision int32) float64 {
	f, _ := decimal.NewFromFloat(volume).RoundDown(precision).Float64()
	return f
}

// RoundPrice rounds a price to the market's precision.
func RoundPrice(price float64, precision int32) float64 {
	f, _ := decimal.NewFromFloat(price).Round(precision).Float64()
	return f
}
