package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/safety/pkg/api"
	"github.com/luxfi/safety/pkg/config"
	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/keeper"
	"github.com/luxfi/safety/pkg/metrics"
	"github.com/luxfi/safety/pkg/safety"
	"github.com/luxfi/safety/pkg/websocket"
)

// Node hosts one safety deployment behind JSON-RPC and WebSocket.
type Node struct {
	config *config.Config
	logger log.Logger

	db      database.Database
	journal *events.Journal
	nc      *nats.Conn
	metrics *metrics.Metrics
	system  *safety.System
	rpc     *api.JSONRPCServer
	ws      *websocket.Server
	keeper  *keeper.Keeper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode opens storage and transports and deploys the system described by
// cfg.
func NewNode(cfg *config.Config, faucet bool) (*Node, error) {
	level, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := log.NewTestLogger(level)
	logger.Info("Initializing safety node")

	n := &Node{config: cfg, logger: logger}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.openDatabase(); err != nil {
		return nil, err
	}
	n.journal, err = events.OpenJournal(n.db, logger)
	if err != nil {
		n.db.Close()
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	logger.Info("Event journal opened", "events", n.journal.Len())

	n.metrics = metrics.New("safety", logger)
	bus := events.NewBus(n.journal, n.metrics, events.NewLogSink(logger))

	if cfg.NATS.Enabled {
		n.nc, err = nats.Connect(cfg.NATS.URL, nats.Name("safetyd"))
		if err != nil {
			n.db.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		bus.Attach(events.NewNATSPublisher(n.nc, cfg.NATS.Subject, logger))
		logger.Info("Publishing events to NATS", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	n.system, err = safety.New(safety.Params{Config: cfg, Bus: bus, Logger: logger})
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to deploy system: %w", err)
	}

	opts := []api.Option{api.WithJournal(n.journal)}
	if faucet {
		opts = append(opts, api.WithFaucet())
		logger.Warn("Faucet enabled; anyone can mint assets")
	}
	n.rpc = api.NewJSONRPCServer(n.system, logger, opts...)

	// The websocket hub snapshots through the RPC views, so it joins the bus
	// after the system exists.
	n.ws = websocket.NewServer(logger, websocket.DefaultConfig(), n.rpc.Snapshot)
	bus.Attach(n.ws)

	if cfg.Keeper.Enabled {
		n.keeper, err = keeper.New(cfg.Keeper.Schedule, n.system, common.HexToAddress(cfg.Keeper.Address), logger)
		if err != nil {
			n.ws.Stop()
			n.close()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) openDatabase() error {
	dbManager := manager.NewManager(n.config.Database.DataDir, nil)

	if n.config.Database.Engine == "memory" {
		db, err := dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		n.db = db
		n.logger.Info("Using in-memory database")
		return nil
	}

	if err := os.MkdirAll(n.config.Database.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = n.config.Database.Namespace
	db, err := dbManager.New(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	n.db = db
	n.logger.Info("BadgerDB initialized", "dataDir", n.config.Database.DataDir, "namespace", dbConfig.Namespace)
	return nil
}

// Start launches the listeners and the keeper.
func (n *Node) Start() error {
	srv := n.config.Server
	n.logger.Info("Starting safety node",
		"rpcPort", srv.RPCPort,
		"wsPort", srv.WSPort,
		"metricsPort", srv.MetricsPort,
		"markets", len(n.system.Vaults()),
		"keeper", n.keeper != nil)

	n.serve("JSON-RPC", func() error {
		return api.StartJSONRPCServer(n.ctx, hostPort(srv.Host, srv.RPCPort), n.rpc, n.logger)
	})
	n.serve("WebSocket", func() error {
		return n.ws.Start(hostPort(srv.Host, srv.WSPort))
	})
	n.serve("metrics", n.runMetricsServer)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.metrics.CollectSystemMetrics(n.ctx, 15*time.Second)
	}()

	if n.keeper != nil {
		n.keeper.Start()
	}

	n.logger.Info("Safety node started successfully")
	return nil
}

func (n *Node) serve(name string, run func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := run(); err != nil {
			n.logger.Error("Server error", "server", name, "error", err)
		}
	}()
}

func (n *Node) runMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","events":%d}`, n.journal.Len())
	})

	addr := hostPort(n.config.Server.Host, n.config.Server.MetricsPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-n.ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("Metrics server started", "addr", addr, "endpoint", "/metrics")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the keeper before the listeners so no sweep runs against a
// half-closed node.
func (n *Node) Shutdown() {
	n.logger.Info("Shutting down safety node...")

	if n.keeper != nil {
		n.keeper.Stop()
	}
	n.ws.Stop()
	n.cancel()
	n.wg.Wait()
	n.close()

	n.metrics.LogMetrics()
	n.logger.Info("Safety node shutdown complete")
}

func (n *Node) close() {
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil {
			n.logger.Warn("Failed to drain NATS connection", "error", err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn("Failed to close database", "error", err)
		}
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	logLevel := flag.String("log-level", "", "Log level (trace, debug, info, warn, error, crit)")
	dataDir := flag.String("data-dir", "", "Event journal directory")
	rpcPort := flag.Int("rpc-port", 0, "JSON-RPC port")
	wsPort := flag.Int("ws-port", 0, "WebSocket port")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus metrics port")
	memory := flag.Bool("memory", false, "Keep the event journal in memory")
	faucet := flag.Bool("faucet", false, "Enable safety_mint for local testing")
	noKeeper := flag.Bool("no-keeper", false, "Disable the auction keeper")
	flag.Parse()

	rootLogger := log.Root()

	cfg, err := config.Load(*configPath)
	if err != nil {
		rootLogger.Crit("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Flags win over file and environment, but only when given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = *logLevel
		case "data-dir":
			cfg.Database.DataDir = *dataDir
		case "rpc-port":
			cfg.Server.RPCPort = *rpcPort
		case "ws-port":
			cfg.Server.WSPort = *wsPort
		case "metrics-port":
			cfg.Server.MetricsPort = *metricsPort
		case "memory":
			if *memory {
				cfg.Database.Engine = "memory"
			}
		case "no-keeper":
			cfg.Keeper.Enabled = cfg.Keeper.Enabled && !*noKeeper
		}
	})

	if err := cfg.Validate(); err != nil {
		rootLogger.Crit("Invalid config", "error", err)
		os.Exit(1)
	}

	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"config", *configPath,
		"database", cfg.Database.Engine)

	node, err := NewNode(cfg, *faucet)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
