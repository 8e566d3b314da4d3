// Package killswitch reads the global trading flags. Values are read
// fresh from the environment at every call so an operator flip takes
// effect without a restart.
package killswitch

import (
	"os"
	"strings"
)

const (
	EnvTradeAllowed        = "TRADE_ALLOWED"
	EnvTradeOpenNewAllowed = "TRADE_OPEN_NEW_ALLOWED"
	EnvTradeRealAllowed    = "TRADE_REAL_ALLOWED"
)

func enabled(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	// Unset means allowed; only an explicit negative flips the switch.
	switch v {
	case "0", "false", "no", "off":
		return false
	}
	return true
}

// TradeAllowed gates all trading activity.
func TradeAllowed() bool { return enabled(EnvTradeAllowed) }

// OpenNewAllowed gates opening new orders; closes keep working.
func OpenNewAllowed() bool { return enabled(EnvTradeOpenNewAllowed) }

// RealAllowed gates exchange-backed orders; virtual trading keeps working.
func RealAllowed() bool { return enabled(EnvTradeRealAllowed) }
