// fetch_klines downloads historical candle data to CSV. The files feed the
// scorer threshold tuning workflow; the trading engine itself always pulls
// fresh data from the exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"cryptoAutoTrader/config"
	"cryptoAutoTrader/internal/adapters/binanceclient"
	"cryptoAutoTrader/internal/adapters/logger"
	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/utils"
)

func main() {
	symbol := flag.String("symbol", "ETHUSDT", "trading pair to fetch")
	interval := flag.String("interval", "1h", "kline interval (1m, 5m, 1h, ...)")
	months := flag.Int("months", 3, "how many months of history to fetch")
	outDir := flag.String("out", "data", "output directory for CSV files")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))
	ctx := context.Background()

	client, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.TradingMode == domain.ModeTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize exchange client: %v", err)
	}

	end := time.Now().UTC()
	start := end.AddDate(0, -*months, 0)
	appLogger.Info(ctx, "Fetching klines", map[string]interface{}{
		"symbol": *symbol, "interval": *interval, "from": start.Format(time.RFC3339), "to": end.Format(time.RFC3339),
	})

	klines, err := client.GetKlinesRange(ctx, *symbol, *interval, start, end)
	if err != nil {
		appLogger.Error(ctx, err, "Fetching klines failed")
		log.Fatalf("FATAL: Fetching klines failed: %v", err)
	}
	appLogger.Info(ctx, "Fetched klines", map[string]interface{}{"count": len(klines)})

	filename := fmt.Sprintf("%s/%s_%s_%s_to_%s.csv",
		*outDir, *symbol, *interval, start.Format("20060102"), end.Format("20060102"))
	if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
		appLogger.Error(ctx, err, "Writing CSV failed")
		log.Fatalf("FATAL: Writing CSV failed: %v", err)
	}
	appLogger.Info(ctx, "Saved kline history", map[string]interface{}{"file": filename})
}
