package domain

// FailReason tags an expected, non-exceptional trade outcome. These are
// returned as values, never thrown across the queue boundary.
type FailReason string

const (
	ReasonTradingDisabled     FailReason = "TRADING_DISABLED"
	ReasonOpenNewDisabled     FailReason = "OPEN_NEW_DISABLED"
	ReasonRealDisabled        FailReason = "REAL_DISABLED"
	ReasonPendingExists       FailReason = "PENDING_EXISTS"
	ReasonNoPrice             FailReason = "NO_PRICE"
	ReasonMarketInactive      FailReason = "MARKET_INACTIVE"
	ReasonBelowMinimum        FailReason = "BELOW_MINIMUM"
	ReasonInsufficientBalance FailReason = "INSUFFICIENT_BALANCE"
	ReasonGatewayError        FailReason = "GATEWAY_ERROR"
	ReasonAlreadyFinal        FailReason = "ALREADY_FINAL"
	ReasonNotFound            FailReason = "NOT_FOUND"
	ReasonRealOrder           FailReason = "REAL_ORDER"
)

// OpenResult is the tagged outcome of an open attempt.
type OpenResult struct {
	OrderID string
	Reason  FailReason
}

func OpenOK(orderID string) OpenResult      { return OpenResult{OrderID: orderID} }
func OpenFail(reason FailReason) OpenResult { return OpenResult{Reason: reason} }

func (r OpenResult) OK() bool { return r.Reason == "" }

// CloseResult reports the orders actually closed or cancelled, plus the
// ones deferred with a reason.
type CloseResult struct {
	ClosedIDs    []string
	CancelledIDs []string
	Deferred     map[string]FailReason
}

func (r CloseResult) OK() bool { return len(r.Deferred) == 0 }
