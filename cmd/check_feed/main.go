// Standalone feed smoke check: connects to the public stream, prints ticks
// for a while, then reports feed health.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/exchange"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/logger"
)

func main() {
	coins := flag.String("coins", "BTC,ETH", "comma-separated coin list")
	duration := flag.Duration("for", 30*time.Second, "how long to listen")
	flag.Parse()

	log, err := logger.NewLogger("info")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	feed := exchange.NewBybitFeed("", strings.Split(*coins, ","), log)

	feed.SubscribePrices(func(tick domain.PriceTick) {
		log.Info("tick",
			zap.String("coin", tick.Coin),
			zap.Float64("price", tick.Price),
			zap.Int64("ts", tick.Timestamp))
	})
	feed.SubscribeStatus(func(ev domain.FeedStatusEvent) {
		log.Info("status", zap.String("state", string(ev.State)), zap.String("detail", ev.Detail))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := feed.Connect(ctx); err != nil {
		log.Fatal("connect failed", zap.Error(err))
	}

	time.Sleep(*duration)

	health := feed.Health()
	log.Info("feed health",
		zap.Bool("ok", health.OK),
		zap.Bool("connected", health.Connected),
		zap.Float64("staleness_sec", health.StalenessSec),
		zap.Int64("reconnects", health.Reconnects),
		zap.Int64("errors", health.Errors))

	feed.Disconnect()
}
