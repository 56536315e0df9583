package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is the held quantity of one outcome of one instrument.
type Position struct {
	InstrumentID string          `json:"market_id"`
	Label        string          `json:"question,omitempty"`
	Outcome      string          `json:"outcome"`
	Contracts    decimal.Decimal `json:"contracts"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// Key identifies the (instrument, outcome) pair a position belongs to.
func (p Position) Key() string {
	return p.InstrumentID + ":" + p.Outcome
}

// CurrentValue is contracts * current price.
func (p Position) CurrentValue() decimal.Decimal {
	return p.Contracts.Mul(p.CurrentPrice)
}

// CostBasis is contracts * average cost.
func (p Position) CostBasis() decimal.Decimal {
	return p.Contracts.Mul(p.AvgCost)
}

// TotalPL is the unrealized profit or loss of the position.
func (p Position) TotalPL() decimal.Decimal {
	return p.CurrentValue().Sub(p.CostBasis())
}

// Validate checks that all position fields are valid
func (p *Position) Validate() error {
	if p.InstrumentID == "" {
		return errors.New("position market ID must not be empty")
	}
	if p.Outcome == "" {
		return errors.New("position outcome must not be empty")
	}
	if p.Contracts.IsNegative() {
		return errors.New("position contracts must not be negative")
	}
	if p.AvgCost.IsNegative() {
		return errors.New("position average cost must not be negative")
	}
	if p.CurrentPrice.IsNegative() {
		return errors.New("position current price must not be negative")
	}
	return nil
}

// Portfolio mirrors the ledger's cash balance and open positions.
//
// The aggregate fields are set only when the backend supplied them. When
// present they are authoritative over any recomputation from positions.
type Portfolio struct {
	Cash        decimal.Decimal  `json:"cash"`
	Positions   []Position       `json:"positions"`
	ServerValue *decimal.Decimal `json:"total_value,omitempty"`
	ServerPL    *decimal.Decimal `json:"total_pl,omitempty"`
	ServerRet   *decimal.Decimal `json:"total_return,omitempty"`
}

// PositionsValue sums the current value of all positions.
func (p Portfolio) PositionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.CurrentValue())
	}
	return total
}

// TotalValue is cash plus positions value unless the backend reported its own total.
func (p Portfolio) TotalValue() decimal.Decimal {
	if p.ServerValue != nil {
		return *p.ServerValue
	}
	return p.Cash.Add(p.PositionsValue())
}

// TotalPL is the summed unrealized P&L unless the backend reported its own total.
func (p Portfolio) TotalPL() decimal.Decimal {
	if p.ServerPL != nil {
		return *p.ServerPL
	}
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.TotalPL())
	}
	return total
}

// TotalReturn is P&L over cost basis, as a fraction. Zero when nothing is invested.
func (p Portfolio) TotalReturn() decimal.Decimal {
	if p.ServerRet != nil {
		return *p.ServerRet
	}
	basis := decimal.Zero
	for _, pos := range p.Positions {
		basis = basis.Add(pos.CostBasis())
	}
	if basis.IsZero() {
		return decimal.Zero
	}
	return p.TotalPL().Div(basis)
}

// Find returns the position for an (instrument, outcome) pair.
func (p Portfolio) Find(instrumentID, outcome string) (Position, bool) {
	for _, pos := range p.Positions {
		if pos.InstrumentID == instrumentID && pos.Outcome == outcome {
			return pos, true
		}
	}
	return Position{}, false
}

// Normalize drops zero-contract positions and returns a copy that shares no
// slices or pointers with the receiver.
func (p Portfolio) Normalize() Portfolio {
	out := Portfolio{Cash: p.Cash}
	out.Positions = make([]Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		if pos.Contracts.IsZero() {
			continue
		}
		out.Positions = append(out.Positions, pos)
	}
	out.ServerValue = copyDecimal(p.ServerValue)
	out.ServerPL = copyDecimal(p.ServerPL)
	out.ServerRet = copyDecimal(p.ServerRet)
	return out
}

// Validate checks that all portfolio fields are valid
func (p *Portfolio) Validate() error {
	if p.Cash.IsNegative() {
		return errors.New("cash must not be negative")
	}
	seen := make(map[string]bool, len(p.Positions))
	for i := range p.Positions {
		if err := p.Positions[i].Validate(); err != nil {
			return fmt.Errorf("position %d: %w", i, err)
		}
		key := p.Positions[i].Key()
		if seen[key] {
			return fmt.Errorf("duplicate position for %s", key)
		}
		seen[key] = true
	}
	return nil
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
