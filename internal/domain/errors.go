package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderFinal    = errors.New("order already in final state")
	ErrDataNotReady  = errors.New("market data not ready")
	ErrNotLeader     = errors.New("not the leader")
	ErrMalformedJob  = errors.New("malformed job payload")
)

// GatewayErrorKind classifies exchange gateway failures.
type GatewayErrorKind string

const (
	// GatewayAuth means the API key is invalid or revoked. Terminal: the
	// exchange account is marked BROKEN and the connection torn down.
	GatewayAuth GatewayErrorKind = "AUTH"
	// GatewayRateLimit asks for an exchange-wide backoff window.
	GatewayRateLimit GatewayErrorKind = "RATE_LIMIT"
	GatewayUnknown   GatewayErrorKind = "UNKNOWN"
)

// GatewayError wraps an exchange failure with its classification.
type GatewayError struct {
	Kind GatewayErrorKind
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ClassifyGatewayError extracts the kind, defaulting to UNKNOWN.
func ClassifyGatewayError(err error) GatewayErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return GatewayUnknown
}
