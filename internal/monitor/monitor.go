// Package monitor detects notable price moves of watched instruments between
// consecutive catalog loads.
//
// A contract move is scored as
//
//	score = KL(p_new || p_old) × log_volume_weight
//
// KL divergence captures the information content of the probability update and
// the log volume weight scales it by market activity. Share prices are not
// probabilities, so stock moves use the absolute log return in place of KL.
//
// Moves below the minimum change or score are dropped. A move already reported
// in the same direction within the cooldown is suppressed unless the price has
// just entered the deterministic zone.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/models"
)

const probEpsilon = 1e-7

// Directions.
const (
	Up   = "up"
	Down = "down"
)

// Move is one reported change of an outcome's price.
type Move struct {
	InstrumentID string
	Label        string
	Outcome      string
	OldPrice     float64
	NewPrice     float64
	Direction    string
	Score        float64
	DetectedAt   time.Time
}

// Magnitude is the absolute price change.
func (m Move) Magnitude() float64 {
	return math.Abs(m.NewPrice - m.OldPrice)
}

// Options tunes detection.
type Options struct {
	// MinChange is the smallest absolute probability change reported for
	// contracts and the smallest relative change for stocks.
	MinChange float64
	MinScore  float64
	// VolumeRef is the volume at which the volume weight is 1.0.
	VolumeRef float64
	Cooldown  time.Duration
	// TopK caps the moves returned per observation; zero means no cap.
	TopK int
}

// notifiedRecord tracks a previously sent alert for cooldown deduplication.
type notifiedRecord struct {
	Direction string
	NewPrice  float64
	SentAt    time.Time
}

// Monitor remembers the last observed price of every outcome.
type Monitor struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	last     map[string]float64
	notified map[string]notifiedRecord
}

// New creates a monitor with no baseline.
func New(opts Options) *Monitor {
	if opts.MinChange <= 0 {
		opts.MinChange = 0.05
	}
	if opts.VolumeRef <= 0 {
		opts.VolumeRef = 25000
	}
	return &Monitor{
		opts:     opts,
		now:      time.Now,
		last:     make(map[string]float64),
		notified: make(map[string]notifiedRecord),
	}
}

func key(id, outcome string) string { return id + "|" + outcome }

// Observe compares instruments with the previous observation and returns the
// moves of watched instruments, highest score first. Every tradable outcome
// updates the baseline, watched or not, so an instrument added to the
// watchlist later is compared against its last seen price. A nil watched set
// reports every instrument.
func (m *Monitor) Observe(instruments []models.Instrument, watched map[string]bool) []Move {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var moves []Move
	for _, inst := range instruments {
		t, ok := inst.(models.Tradable)
		if !ok {
			continue
		}
		report := watched == nil || watched[inst.ID()]
		for _, outcome := range t.Outcomes() {
			price, ok := t.Price(outcome)
			if !ok {
				continue
			}
			k := key(inst.ID(), outcome)
			old, seen := m.last[k]
			m.last[k] = price
			if !seen || !report {
				continue
			}
			if mv, ok := m.score(inst, outcome, old, price, now); ok {
				moves = append(moves, mv)
			}
		}
	}

	moves = m.filterRecentlySent(moves, now)
	sort.SliceStable(moves, func(i, j int) bool { return moves[i].Score > moves[j].Score })
	if m.opts.TopK > 0 && len(moves) > m.opts.TopK {
		moves = moves[:m.opts.TopK]
	}
	if len(moves) > 0 {
		logger.Debug("Detected %d price moves across %d instruments", len(moves), len(instruments))
	}
	return moves
}

func (m *Monitor) score(inst models.Instrument, outcome string, old, price float64, now time.Time) (Move, bool) {
	mv := Move{
		InstrumentID: inst.ID(),
		Label:        inst.Label(),
		Outcome:      outcome,
		OldPrice:     old,
		NewPrice:     price,
		Direction:    Up,
		DetectedAt:   now,
	}
	if price < old {
		mv.Direction = Down
	}

	switch v := inst.(type) {
	case *models.ContractMarket:
		if mv.Magnitude() < m.opts.MinChange {
			return Move{}, false
		}
		mv.Score = KLDivergence(old, price) * LogVolumeWeight(v.Volume, m.opts.VolumeRef)
	case *models.StockQuote:
		if old <= 0 || price <= 0 || mv.Magnitude()/old < m.opts.MinChange {
			return Move{}, false
		}
		mv.Score = math.Abs(math.Log(price/old)) * LogVolumeWeight(v.Volume, m.opts.VolumeRef)
	default:
		return Move{}, false
	}
	if mv.Score < m.opts.MinScore {
		return Move{}, false
	}
	return mv, true
}

// KLDivergence computes KL(pNew || pOld) for a binary distribution.
// Both probabilities are clamped to [1e-7, 1-1e-7] to avoid ln(0).
func KLDivergence(pOld, pNew float64) float64 {
	pOld = math.Max(probEpsilon, math.Min(1-probEpsilon, pOld))
	pNew = math.Max(probEpsilon, math.Min(1-probEpsilon, pNew))
	return pNew*math.Log(pNew/pOld) + (1-pNew)*math.Log((1-pNew)/(1-pOld))
}

// LogVolumeWeight returns log2(1 + volume/vRef), floored at 0.1.
// When vRef <= 0 it is treated as 1.0.
func LogVolumeWeight(volume, vRef float64) float64 {
	if vRef <= 0 {
		vRef = 1.0
	}
	return math.Max(0.1, math.Log(1+volume/vRef)/math.Log(2))
}

// isDeterministicZone returns true when a probability is above 90% or below 10%.
func isDeterministicZone(p float64) bool {
	return p > 0.90 || p < 0.10
}

// filterRecentlySent drops moves already reported in the same direction within
// the cooldown, unless the outcome is entering the deterministic zone.
func (m *Monitor) filterRecentlySent(moves []Move, now time.Time) []Move {
	if m.opts.Cooldown <= 0 {
		return moves
	}
	filtered := moves[:0]
	for _, mv := range moves {
		rec, exists := m.notified[key(mv.InstrumentID, mv.Outcome)]
		if exists && now.Sub(rec.SentAt) < m.opts.Cooldown {
			enteringDetZone := isDeterministicZone(mv.NewPrice) && !isDeterministicZone(rec.NewPrice)
			if rec.Direction == mv.Direction && !enteringDetZone {
				continue
			}
		}
		filtered = append(filtered, mv)
	}
	return filtered
}

// RecordNotified starts the cooldown for moves that were delivered.
func (m *Monitor) RecordNotified(moves []Move) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, mv := range moves {
		m.notified[key(mv.InstrumentID, mv.Outcome)] = notifiedRecord{
			Direction: mv.Direction,
			NewPrice:  mv.NewPrice,
			SentAt:    now,
		}
	}
}

// Reset forgets the baseline, for example after switching exchanges.
// Cooldowns are kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = make(map[string]float64)
}
