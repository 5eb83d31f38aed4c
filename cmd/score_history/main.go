// score_history replays a CSV of historical klines (see cmd/fetch_klines)
// through the signal scorer and prints the signal it would have produced at
// each step. Useful for tuning pre-filter thresholds and the score threshold
// offline before pointing the engine at real money.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"cryptoAutoTrader/config"
	"cryptoAutoTrader/internal/adapters/logger"
	"cryptoAutoTrader/internal/adapters/scorer"
	"cryptoAutoTrader/internal/utils"
)

func main() {
	file := flag.String("file", "", "CSV file produced by fetch_klines (required)")
	step := flag.Int("step", 1, "evaluate every Nth candle")
	threshold := flag.Float64("threshold", 0, "only print signals at or above this score")
	flag.Parse()
	if *file == "" {
		log.Fatal("FATAL: -file is required")
	}
	if *step < 1 {
		*step = 1
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))
	ctx := context.Background()

	klines, err := utils.ReadKlinesFromCSV(*file)
	if err != nil {
		log.Fatalf("FATAL: Loading klines failed: %v", err)
	}

	s, err := scorer.New(scorer.Config{MinVolume: cfg.MinVolume, MinATRPct: cfg.MinATRPct}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Creating scorer failed: %v", err)
	}

	window := s.MinDataPoints()
	if len(klines) < window {
		log.Fatalf("FATAL: Need at least %d klines, file has %d", window, len(klines))
	}
	appLogger.Info(ctx, "Replaying kline history", map[string]interface{}{
		"file": *file, "klines": len(klines), "window": window, "step": *step,
	})

	var evaluated, actionable int
	for i := window; i <= len(klines); i += *step {
		slice := klines[i-window : i]
		last := slice[len(slice)-1]

		sig, err := s.Score(ctx, last.Symbol, last.Interval, slice)
		if err != nil {
			appLogger.Error(ctx, err, "Scoring failed", map[string]interface{}{"candle": i})
			continue
		}
		evaluated++
		if !sig.IsActionable() || sig.Score < *threshold {
			continue
		}
		actionable++
		fmt.Printf("%s  %-8s %-5s score=%.3f entry=%.4f close=%.4f rsi=%.1f\n",
			last.CloseTime.Format("2006-01-02 15:04"), sig.Symbol, sig.Direction,
			sig.Score, sig.Entry, last.Close, sig.Features["rsi"])
	}

	fmt.Printf("\nevaluated %d windows, %d actionable signals (%.1f%%)\n",
		evaluated, actionable, 100*float64(actionable)/float64(max(evaluated, 1)))
}
