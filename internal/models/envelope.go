package models

import "fmt"

// InstrumentEnvelope is the persisted form of an Instrument: a kind tag plus
// exactly one populated variant.
type InstrumentEnvelope struct {
	Kind     Kind            `json:"kind"`
	Contract *ContractMarket `json:"contract,omitempty"`
	Stock    *StockQuote     `json:"stock,omitempty"`
	Currency *CurrencyPair   `json:"currency,omitempty"`
}

// Wrap packs an instrument into its envelope.
func Wrap(inst Instrument) InstrumentEnvelope {
	switch v := inst.(type) {
	case *ContractMarket:
		return InstrumentEnvelope{Kind: KindContract, Contract: v}
	case *StockQuote:
		return InstrumentEnvelope{Kind: KindStock, Stock: v}
	case *CurrencyPair:
		return InstrumentEnvelope{Kind: KindCurrency, Currency: v}
	}
	return InstrumentEnvelope{}
}

// Unwrap returns the variant selected by the kind tag.
func (e InstrumentEnvelope) Unwrap() (Instrument, error) {
	switch e.Kind {
	case KindContract:
		if e.Contract != nil {
			return e.Contract, nil
		}
	case KindStock:
		if e.Stock != nil {
			return e.Stock, nil
		}
	case KindCurrency:
		if e.Currency != nil {
			return e.Currency, nil
		}
	default:
		return nil, fmt.Errorf("unknown instrument kind %q", e.Kind)
	}
	return nil, fmt.Errorf("instrument envelope of kind %q has no payload", e.Kind)
}
