// Command perps-feeder publishes synthetic price ticks to NATS for the
// node's feed subscriber to consume. Useful for local development and
// load testing the quote path.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

type Tick struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

var totalPublished int64

func main() {
	var (
		natsURL  = flag.String("nats", nats.DefaultURL, "NATS server URL")
		prefix   = flag.String("prefix", "perps.prices", "Subject prefix")
		symbols  = flag.String("symbols", "BTC=20000,ETH=1500", "Comma-separated SYMBOL=startPrice pairs")
		interval = flag.Duration("interval", time.Second, "Publish interval per symbol")
		drift    = flag.Float64("drift", 0.001, "Max relative price move per tick")
		duration = flag.Duration("duration", 0, "Stop after this duration (0 = run until interrupted)")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	prices := make(map[string]float64)
	for _, pair := range strings.Split(*symbols, ",") {
		name, start, ok := strings.Cut(pair, "=")
		if !ok {
			logger.Error("Invalid symbol pair, want SYMBOL=price", "pair", pair)
			os.Exit(1)
		}
		p, err := strconv.ParseFloat(start, 64)
		if err != nil || p <= 0 {
			logger.Error("Invalid start price", "pair", pair)
			os.Exit(1)
		}
		prices[name] = p
	}

	logger.Info("Starting price feeder",
		"nats", *natsURL,
		"prefix", *prefix,
		"symbols", len(prices),
		"interval", *interval)

	nc, err := nats.Connect(*natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second))
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	var expiry <-chan time.Time
	if *duration > 0 {
		expiry = time.After(*duration)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	start := time.Now()
	for {
		select {
		case <-interrupt:
			logger.Info("Interrupt received, stopping feeder")
			report(logger, start)
			return
		case <-expiry:
			logger.Info("Duration elapsed, stopping feeder")
			report(logger, start)
			return
		case <-statsTicker.C:
			logger.Info("Feeder stats",
				"published", atomic.LoadInt64(&totalPublished),
				"elapsed", time.Since(start).Round(time.Second))
		case <-ticker.C:
			for name := range prices {
				// Random walk around the previous price.
				move := 1 + (rand.Float64()*2-1)*(*drift)
				prices[name] *= move

				tick := Tick{
					Symbol:    name,
					Price:     strconv.FormatFloat(prices[name], 'f', 6, 64),
					Timestamp: time.Now().Unix(),
				}
				data, _ := json.Marshal(tick)

				subject := fmt.Sprintf("%s.%s", *prefix, name)
				if err := nc.Publish(subject, data); err != nil {
					logger.Warn("Publish failed", "subject", subject, "error", err)
					continue
				}
				atomic.AddInt64(&totalPublished, 1)
			}
		}
	}
}

func report(logger log.Logger, start time.Time) {
	published := atomic.LoadInt64(&totalPublished)
	elapsed := time.Since(start).Seconds()
	logger.Info("Feeder finished",
		"published", published,
		"rate", fmt.Sprintf("%.1f/sec", float64(published)/elapsed))
}
