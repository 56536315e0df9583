package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/paperdesk/internal/models"
)

// Summary is the history-derived view of trading activity.
//
// Only quantities that follow directly from the records are computed here.
// Win rate, best/worst trade and average profit depend on how the ledger
// pairs buys with sells, so they are copied from the server stats and left
// nil when the server did not report them.
type Summary struct {
	TotalTrades int
	Buys        int
	Sells       int
	BuyVolume   decimal.Decimal
	SellVolume  decimal.Decimal
	Records     []models.TradeRecord // newest first

	WinRate    *decimal.Decimal
	BestTrade  *decimal.Decimal
	WorstTrade *decimal.Decimal
	AvgProfit  *decimal.Decimal
	// ServerTotalTrades is the ledger's own count, when stats were fetched.
	ServerTotalTrades *int
}

// Aggregate reduces trade records and server stats into a Summary. stats may be nil.
func Aggregate(records []models.TradeRecord, stats *models.Stats) Summary {
	sum := Summary{
		TotalTrades: len(records),
		BuyVolume:   decimal.Zero,
		SellVolume:  decimal.Zero,
		Records:     append([]models.TradeRecord(nil), records...),
	}

	for _, r := range records {
		switch r.Side {
		case models.Buy:
			sum.Buys++
			sum.BuyVolume = sum.BuyVolume.Add(r.Total)
		case models.Sell:
			sum.Sells++
			sum.SellVolume = sum.SellVolume.Add(r.Total)
		}
	}

	sort.SliceStable(sum.Records, func(i, j int) bool {
		return sum.Records[i].Timestamp.After(sum.Records[j].Timestamp)
	})

	if stats != nil {
		sum.WinRate = stats.WinRate
		sum.BestTrade = stats.BestTrade
		sum.WorstTrade = stats.WorstTrade
		sum.AvgProfit = stats.AvgProfit
		n := stats.TotalTrades
		sum.ServerTotalTrades = &n
	}
	return sum
}
