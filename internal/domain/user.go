package domain

type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountBroken AccountStatus = "BROKEN"
)

// ExchangeAccount is one user's configuration for one exchange.
type ExchangeAccount struct {
	ExchangeID  string        `json:"exchange_id"`
	Status      AccountStatus `json:"status"`
	RealEnabled bool          `json:"real_enabled"`
}

// UserSettings is everything the engine needs to know about a user.
type UserSettings struct {
	UserID   string                     `json:"user_id"`
	Accounts map[string]ExchangeAccount `json:"accounts"` // keyed by exchange id

	DisabledSymbols    map[string]bool `json:"disabled_symbols,omitempty"`
	DisabledCurrencies map[string]bool `json:"disabled_currencies,omitempty"`

	Overrides *ParameterOverrides `json:"overrides,omitempty"`
}

// HasExchange reports whether the user is configured for the exchange
// at all. Users without a configuration are skipped entirely.
func (u *UserSettings) HasExchange(exchangeID string) bool {
	_, ok := u.Accounts[exchangeID]
	return ok
}

// RealAllowed reports whether real trading is permitted for the user on
// the given symbol. Virtual trading stays allowed even when this is
// false.
func (u *UserSettings) RealAllowed(exchangeID, symbol, baseCurrency string) bool {
	acc, ok := u.Accounts[exchangeID]
	if !ok || acc.Status != AccountActive || !acc.RealEnabled {
		return false
	}
	if u.DisabledSymbols[symbol] {
		return false
	}
	if baseCurrency != "" && u.DisabledCurrencies[baseCurrency] {
		return false
	}
	return true
}
