package trade

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError is a precondition failure detected before submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError reports a buy the cash balance cannot cover. Err is
// set when the ledger, not the local check, rejected the trade.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Message   string
	Err       error
}

func (e *InsufficientFundsError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("insufficient funds: need %s, have %s", e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return e.Err }

// MarketClosedError reports a buy on an instrument that is not open for trading.
type MarketClosedError struct {
	InstrumentID string
	Message      string
	Err          error
}

func (e *MarketClosedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("market %s is closed", e.InstrumentID)
}

func (e *MarketClosedError) Unwrap() error { return e.Err }
