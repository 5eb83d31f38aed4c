package portfolio

import "cryptoAutoTrader/internal/domain"

// Summary holds realized trading statistics over a set of closed trades.
type Summary struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPNL      float64
	AverageWin    float64
	AverageLoss   float64
	ProfitFactor  float64
}

// Summarize computes realized statistics from closed trades. Open or
// external trades are skipped.
func Summarize(trades []*domain.Trade) Summary {
	var s Summary
	var grossWin, grossLoss float64

	for _, t := range trades {
		if t.IsOpen() || t.External {
			continue
		}
		s.TotalTrades++
		s.TotalPNL += t.PNL
		if t.PNL > 0 {
			s.WinningTrades++
			grossWin += t.PNL
		} else {
			s.LosingTrades++
			grossLoss += -t.PNL
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
	if s.WinningTrades > 0 {
		s.AverageWin = grossWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = -grossLoss / float64(s.LosingTrades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	return s
}
