package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/config"
	"github.com/luxfi/perps/pkg/feed"
	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perp"
	"github.com/luxfi/perps/pkg/websocket"
)

// Node wires the ledger to its transports and background loops.
type Node struct {
	config config.Config
	logger log.Logger
	db     database.Database
	ledger *ledger.Ledger

	ws      *websocket.Server
	metrics *metrics.PerpsMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg config.Config) (*Node, error) {
	level, _ := log.ToLevel(cfg.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perps node")

	dataPath := cfg.DataDir
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(os.Getenv("HOME"), dataPath)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the default, with an in-memory fallback.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perps"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	l, err := ledger.New(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		config: cfg,
		logger: logger,
		db:     db,
		ledger: l,
		ws:     websocket.NewServer(l, logger, websocket.DefaultConfig()),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Metrics.Enabled {
		node.metrics, err = metrics.NewPerpsMetrics("perps")
		if err != nil {
			cancel()
			db.Close()
			return nil, fmt.Errorf("failed to build metrics: %w", err)
		}
	}
	return node, nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting perps node",
		"dataDir", n.config.DataDir,
		"rpcPort", n.config.RPC.JSONRPCPort,
		"restPort", n.config.RPC.RESTPort,
		"wsPort", n.config.RPC.WebSocketPort)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := api.StartJSONRPCServer(n.ctx, n.config.RPC.JSONRPCPort, n.ledger, n.logger); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("JSON-RPC server stopped", "error", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := api.StartRESTServer(n.ctx, n.config.RPC.RESTPort, n.ledger, n.logger); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("REST server stopped", "error", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ws.Start(n.config.RPC.WebSocketPort); err != nil {
			n.logger.Error("WebSocket server stopped", "error", err)
		}
	}()

	if n.config.Keeper.Enabled {
		n.wg.Add(1)
		go n.runKeeper()
	}

	if n.config.Feed.Enabled {
		if err := n.startFeed(); err != nil {
			return err
		}
	}

	if n.metrics != nil {
		if err := n.metrics.StartServer(strconv.Itoa(n.config.Metrics.Port)); err != nil {
			return err
		}
		go n.metrics.CollectSystemMetrics(n.ctx)
	}

	n.logger.Info("Perps node started successfully")
	return nil
}

// startFeed subscribes the external price feed using the configured
// oracle sources.
func (n *Node) startFeed() error {
	sources := make(map[string]perp.Address, len(n.config.Feed.Sources))
	for suffix, hexAddr := range n.config.Feed.Sources {
		oracle, err := perp.ParseAddress(hexAddr)
		if err != nil {
			return fmt.Errorf("feed source %s: %w", suffix, err)
		}
		sources[suffix] = oracle
	}

	// Quotes are written under the deployment authority.
	var caller perp.Address
	err := n.ledger.View(func(dex *perp.Dex, _ *perp.PriceFeed) error {
		caller = dex.Delegate
		return nil
	})
	if err != nil {
		n.logger.Warn("Feed disabled until the deployment is initialized", "error", err)
		return nil
	}

	sub := feed.NewSubscriber(n.ledger, n.logger, caller, n.config.Feed.SubjectPrefix, sources)
	return sub.Start(n.ctx, n.config.Feed.NATSURL)
}

// runKeeper periodically crosses resting orders and settles match events.
func (n *Node) runKeeper() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.Keeper.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.keeperPass()
		}
	}
}

func (n *Node) keeperPass() {
	var marketCount uint8
	err := n.ledger.View(func(dex *perp.Dex, _ *perp.PriceFeed) error {
		marketCount = dex.MarketCount
		return nil
	})
	if err != nil {
		return // not initialized yet
	}

	for i := uint8(0); i < marketCount; i++ {
		filled, err := n.ledger.FillOrders(i)
		if err != nil {
			n.logger.Warn("fill pass failed", "market", i, "error", err)
			continue
		}
		if filled > 0 && n.metrics != nil {
			n.metrics.RecordFills(filled)
		}
	}

	for {
		start := time.Now()
		err := n.ledger.CrankOnce()
		if errors.Is(err, perp.ErrNoMatchEvent) {
			break
		}
		if err != nil {
			n.logger.Warn("crank failed", "error", err)
			break
		}
		if n.metrics != nil {
			n.metrics.RecordCrankLatency(float64(time.Since(start).Nanoseconds()))
		}
	}

	if n.metrics != nil {
		if err := n.metrics.ObserveLedger(n.ledger); err != nil {
			n.logger.Debug("metrics snapshot skipped", "error", err)
		}
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down perps node...")
	n.cancel()
	n.ws.Stop()
	n.wg.Wait()
	if n.db != nil {
		n.db.Close()
	}
	n.logger.Info("Perps node shutdown complete")
}

func run(cfg config.Config) error {
	rootLogger := log.Root()
	rootLogger.Info("Perps node",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", cfg.DataDir)

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if err := node.Start(); err != nil {
		node.Shutdown()
		return fmt.Errorf("failed to start node: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
	return nil
}

func main() {
	var configPath string
	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:   "perpsd",
		Short: "Liquidity-pool perpetuals exchange node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags set explicitly override the file.
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			if cmd.Flags().Changed("rpc-port") {
				cfg.RPC.JSONRPCPort, _ = cmd.Flags().GetInt("rpc-port")
			}
			if cmd.Flags().Changed("rest-port") {
				cfg.RPC.RESTPort, _ = cmd.Flags().GetInt("rest-port")
			}
			if cmd.Flags().Changed("ws-port") {
				cfg.RPC.WebSocketPort, _ = cmd.Flags().GetInt("ws-port")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.Flags().String("data-dir", cfg.DataDir, "Data directory (relative paths resolve under $HOME)")
	rootCmd.Flags().String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.Flags().Int("rpc-port", cfg.RPC.JSONRPCPort, "JSON-RPC port")
	rootCmd.Flags().Int("rest-port", cfg.RPC.RESTPort, "REST gateway port")
	rootCmd.Flags().Int("ws-port", cfg.RPC.WebSocketPort, "WebSocket port")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
