// Command ionrelayd is the runtime daemon: a master process supervising N
// worker processes, each running a reactor pool, an async callback pool,
// and the clustered pub/sub fan-out.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/ionrelay/ionrelay/internal/asyncpool"
	"github.com/ionrelay/ionrelay/internal/capacity"
	"github.com/ionrelay/ionrelay/internal/cluster"
	"github.com/ionrelay/ionrelay/internal/config"
	"github.com/ionrelay/ionrelay/internal/logging"
	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/protocol"
	"github.com/ionrelay/ionrelay/internal/pubsub"
	"github.com/ionrelay/ionrelay/internal/reactor"
	"github.com/ionrelay/ionrelay/internal/router"
	"github.com/ionrelay/ionrelay/internal/supervisor"
	"github.com/ionrelay/ionrelay/internal/sysinfo"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return config.ExitArgError
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	switch {
	case supervisor.IsWorker():
		return runWorker(cfg, logger, supervisor.SocketPath())
	case cfg.Workers == 1:
		// Single-process mode: master and worker share one process; the
		// IPC socket still exists so attached engines behave identically.
		return runSingle(cfg, logger)
	default:
		return runMaster(cfg, logger)
	}
}

func masterSocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("ionrelay-%d.sock", os.Getpid()))
}

func runMaster(cfg *config.Config, logger zerolog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	socketPath := masterSocketPath()
	master := cluster.NewMaster(socketPath, cfg.Secret, logger, nil)

	masterErr := make(chan error, 1)
	go func() { masterErr <- master.Run(ctx) }()

	if cfg.Preload {
		logger.Info().Msg("preload requested: handler state initialized before forking")
	}

	sup := supervisor.New(cfg, logger, supervisorHooks(logger), socketPath)
	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor failed")
		return config.ExitReactorInit
	}

	select {
	case err := <-masterErr:
		if err != nil {
			logger.Error().Err(err).Msg("cluster master failed")
			return config.ExitReactorInit
		}
	default:
	}
	return config.ExitOK
}

func supervisorHooks(logger zerolog.Logger) supervisor.Hooks {
	return supervisor.Hooks{
		PreStart:    func() { logger.Debug().Msg("pre_start") },
		EnterMaster: func() { logger.Debug().Msg("enter_master") },
		OnStart:     func() { logger.Info().Msg("on_start") },
		OnChildCrush: func(slot int) {
			logger.Warn().Int("slot", slot).Msg("on_child_crush")
		},
		OnShutdown: func() { logger.Info().Msg("on_shutdown") },
		OnStop:     func() { logger.Info().Msg("on_stop") },
		OnExit:     func() { logger.Info().Msg("on_exit") },
	}
}

// runSingle runs the master's IPC socket and a full worker in one process.
func runSingle(cfg *config.Config, logger zerolog.Logger) int {
	socketPath := masterSocketPath()
	master := cluster.NewMaster(socketPath, cfg.Secret, logger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := master.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("cluster master failed")
		}
	}()

	return serveWorker(ctx, cfg, logger, socketPath)
}

func runWorker(cfg *config.Config, logger zerolog.Logger, socketPath string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serveWorker(ctx, cfg, logger, socketPath)
}

// serveWorker assembles and runs one worker process's serving core.
func serveWorker(ctx context.Context, cfg *config.Config, logger zerolog.Logger, socketPath string) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	instanceID := uuid.New().String()
	logger = logger.With().Str("instance", instanceID).Logger()

	memLimit, err := sysinfo.MemoryLimit()
	if err == nil && memLimit > 0 {
		metrics.SetMemoryLimit(memLimit)
		logger.Info().Int64("memory_limit", memLimit).Msg("cgroup memory limit detected")
	}

	guard := capacity.NewGuard(capacity.Config{
		MaxConnections:     cfg.MaxConnections,
		MemoryLimit:        memLimit,
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		EventRates: map[capacity.Event]int{
			capacity.EventPublish:       cfg.MaxPublishRate,
			capacity.EventEngineMessage: cfg.MaxEngineRate,
		},
	}, logger)
	guard.StartMonitoring(ctx, cfg.MetricsInterval)

	table := pubsub.NewTable()
	async := asyncpool.New(cfg.Threads, logger)
	async.Start(ctx)

	pool := reactor.NewPool(0, 1024)
	go pool.Run(ctx)

	routes := router.NewTable(cfg.PublicFolder)
	routes.Add("/", newRelayHandler(logger))

	srv := protocol.NewServer(cfg, logger, routes, table, guard, async, pool)

	// exitCode is lifted past ctx cancellation by the failure paths below.
	var exitCode atomic.Int32

	if socketPath != "" {
		link, err := cluster.Dial(ctx, socketPath, cfg.Secret, logger,
			srv.InjectRemote,
			func(err error) {
				// Master gone: this worker exits nonzero so the platform's
				// init (or a restarted master) can rebuild the tree.
				logger.Error().Err(err).Msg("master link lost, exiting")
				exitCode.Store(int32(config.ExitReactorInit))
				cancel()
			})
		if err != nil {
			logger.Error().Err(err).Msg("cluster attach failed, pub/sub is local-only")
		} else {
			table.AttachEngine(pubsub.NewClusterEngine(link))
		}
	}

	if cfg.NATSUrl != "" {
		engine, err := pubsub.DialNATSEngine(pubsub.NATSEngineConfig{
			URL:          cfg.NATSUrl,
			StreamName:   cfg.NATSStreamName,
			ConsumerName: fmt.Sprintf("%s-%s", cfg.NATSConsumerName, instanceID[:8]),
		}, srv.InjectRemote)
		if err != nil {
			logger.Error().Err(err).Msg("NATS engine unavailable")
		} else {
			table.AttachEngine(engine)
			defer engine.Close()
		}
	}

	if cfg.BroadcastPort > 0 {
		bc, err := cluster.NewBroadcaster(cfg.BroadcastPort, cfg.Secret, logger)
		if err != nil {
			logger.Error().Err(err).Msg("UDP cluster bridge unavailable")
		} else {
			table.AttachEngine(bc)
			go bc.Listen(srv.InjectRemote)
			defer bc.Close()
		}
	}

	startObservability(cfg, logger, guard, instanceID)

	if err := srv.Listen(); err != nil {
		logger.Error().Err(err).Msg("bind failed")
		return config.ExitBindError
	}
	logger.Info().Msg("worker serving")

	if err := srv.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("serve failed")
		return config.ExitReactorInit
	}
	return int(exitCode.Load())
}

// startObservability serves /metrics and /health on the sidecar port.
func startObservability(cfg *config.Config, logger zerolog.Logger, guard *capacity.Guard, instanceID string) {
	if cfg.MetricsPort <= 0 {
		return
	}
	port := cfg.MetricsPort
	// Each worker slot gets its own scrape port so a multi-worker host
	// doesn't collide on the bind.
	if slot := os.Getenv(supervisor.SlotEnv); slot != "" {
		if n, err := strconv.Atoi(slot); err == nil {
			port += n
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats := guard.Stats()
		stats["instance"] = instanceID
		_ = json.NewEncoder(w).Encode(stats)
	})

	go func() {
		addr := fmt.Sprintf(":%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("observability endpoint failed")
		}
	}()
}
