package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/trade"
)

// Level classifies a status message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

// Status is the user-visible outcome of the latest action.
type Status struct {
	Level   Level
	Message string
	At      time.Time
}

// IsError reports whether the status describes a failure.
func (s Status) IsError() bool {
	return s.Level == LevelError
}

// describe turns an error into the message shown to the user. Backend
// messages are passed through verbatim.
func describe(err error) string {
	var (
		ve     *trade.ValidationError
		funds  *trade.InsufficientFundsError
		closed *trade.MarketClosedError
		ne     *backend.NetworkError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &funds), errors.As(err, &closed):
		return err.Error()
	case errors.As(err, &ne):
		return fmt.Sprintf("Could not reach the backend during %s; try again", ne.Op)
	}
	if be, ok := backend.AsBackend(err); ok {
		return be.Message
	}
	return err.Error()
}
