package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/paperdesk/internal/models"
)

// SortKey selects the ordering of the visible instrument list.
type SortKey string

const (
	SortDefault     SortKey = "default"
	SortVolume      SortKey = "volume"
	SortLiquidity   SortKey = "liquidity"
	SortClosingSoon SortKey = "closingSoon"
	SortNewest      SortKey = "newest"
)

// ParseSortKey maps user input to a SortKey. The empty string is SortDefault.
func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return SortDefault, nil
	case "volume":
		return SortVolume, nil
	case "liquidity":
		return SortLiquidity, nil
	case "closingsoon", "closing_soon", "closing-soon":
		return SortClosingSoon, nil
	case "newest":
		return SortNewest, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// Query describes one projection of the catalog.
type Query struct {
	// Keywords is the category's keyword set; empty passes everything through.
	Keywords []string
	SortKey  SortKey
	// OpenOnly drops instruments that are not open for trading.
	OpenOnly bool
}

// Project filters and sorts instruments without touching its input.
// It has no hidden state and is safe to run on every render.
func Project(instruments []models.Instrument, q Query) []models.Instrument {
	keywords := make([]string, 0, len(q.Keywords))
	for _, k := range q.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	out := make([]models.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if q.OpenOnly && !isOpen(inst) {
			continue
		}
		if len(keywords) > 0 && !matchesAny(inst.Label(), keywords) {
			continue
		}
		out = append(out, inst)
	}

	switch q.SortKey {
	case SortVolume:
		sort.SliceStable(out, func(i, j int) bool { return volumeOf(out[i]) > volumeOf(out[j]) })
	case SortLiquidity:
		sort.SliceStable(out, func(i, j int) bool { return liquidityOf(out[i]) > liquidityOf(out[j]) })
	case SortClosingSoon:
		sort.SliceStable(out, func(i, j int) bool {
			return closesBefore(closeTimeOf(out[i]), closeTimeOf(out[j]), false)
		})
	case SortNewest:
		sort.SliceStable(out, func(i, j int) bool {
			return closesBefore(closeTimeOf(out[i]), closeTimeOf(out[j]), true)
		})
	}
	return out
}

// closesBefore orders by close time with missing times always last.
func closesBefore(a, b *time.Time, descending bool) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	case descending:
		return a.After(*b)
	default:
		return a.Before(*b)
	}
}

func matchesAny(label string, keywords []string) bool {
	label = strings.ToLower(label)
	for _, k := range keywords {
		if strings.Contains(label, k) {
			return true
		}
	}
	return false
}

func isOpen(inst models.Instrument) bool {
	switch v := inst.(type) {
	case *models.ContractMarket:
		return v.Open
	case *models.StockQuote:
		return v.Open
	case *models.CurrencyPair:
		return true
	}
	return false
}

func volumeOf(inst models.Instrument) float64 {
	switch v := inst.(type) {
	case *models.ContractMarket:
		return v.Volume
	case *models.StockQuote:
		return v.Volume
	}
	return 0
}

func liquidityOf(inst models.Instrument) float64 {
	if v, ok := inst.(*models.ContractMarket); ok {
		return v.Liquidity
	}
	return 0
}

func closeTimeOf(inst models.Instrument) *time.Time {
	if v, ok := inst.(*models.ContractMarket); ok {
		return v.CloseTime
	}
	return nil
}
