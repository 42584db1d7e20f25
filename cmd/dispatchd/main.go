package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/katsubs/dispatchd/internal/api"
	"github.com/katsubs/dispatchd/internal/capacity"
	"github.com/katsubs/dispatchd/internal/config"
	"github.com/katsubs/dispatchd/internal/events"
	"github.com/katsubs/dispatchd/internal/heartbeat"
	"github.com/katsubs/dispatchd/internal/jobstore"
	"github.com/katsubs/dispatchd/internal/lock"
	"github.com/katsubs/dispatchd/internal/log"
	"github.com/katsubs/dispatchd/internal/metrics"
	"github.com/katsubs/dispatchd/internal/pool"
	"github.com/katsubs/dispatchd/internal/storage"
	"github.com/katsubs/dispatchd/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "worker":
		os.Exit(runWorker(args))
	case "version":
		fmt.Printf("dispatchd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func usageText() string {
	return `dispatchd - autoscaling worker-pool task dispatcher

Usage:
  dispatchd <command> [flags]

Commands:
  start     Run the dispatcher daemon in foreground
  worker    Run one worker process (spawned by the daemon, not by hand)
  version   Show version information
  help      Show this help message
`
}

func printUsage() {
	fmt.Print(usageText())
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("dispatchd starting", "version", version, "config", *configPath)

	if hash, err := config.ComputeFileHash(*configPath); err == nil {
		logger.Info("config loaded", "blake3", hash)
	}

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	jobs := jobstore.New(db)
	guard := storage.NewForkGuard(db)

	maxWorkers := cfg.Dispatcher.MaxWorkers
	if maxWorkers == 0 {
		maxWorkers, err = capacity.MaxWorkers(capacity.Settings{
			SystemMemory: cfg.Capacity.SystemMemory,
			MemPerWorker: cfg.Capacity.MemPerWorker,
			MemReserve:   cfg.Capacity.MemReserve,
		}, cfg.Dispatcher.MinWorkers)
		if err != nil {
			logger.Error("failed to derive worker ceiling", "error", err)
			return 1
		}
	}
	logger.Info("worker limits", "min", cfg.Dispatcher.MinWorkers, "max", maxWorkers, "queue_size", cfg.Dispatcher.QueueSize)

	self, err := os.Executable()
	if err != nil {
		logger.Error("could not resolve own executable path", "error", err)
		return 1
	}

	hub := events.NewHub(256)
	sink := metrics.NewPrometheus("dispatchd")

	dispatcher := pool.NewAutoscalePool(pool.AutoscaleConfig{
		Config: pool.Config{
			Name:              cfg.Service.Name,
			MinWorkers:        cfg.Dispatcher.MinWorkers,
			QueueSize:         cfg.Dispatcher.QueueSize,
			Spawner:           &pool.ExecSpawner{Path: self, Args: []string{"worker"}},
			Guard:             guard,
			Hub:               hub,
			TrackManagedTasks: true,
			Logger:            log.WithComponent("pool"),
			OnTaskFinished: func(uuid string) {
				if err := jobs.MarkSucceeded(context.Background(), uuid); err != nil {
					logger.Warn("could not record task completion", "uuid", uuid, "error", err)
				}
			},
		},
		MaxWorkers:             maxWorkers,
		TaskManagerTimeout:     cfg.Dispatcher.TaskManagerTimeout + cfg.Dispatcher.TaskManagerGracePeriod,
		ManagementTaskSuffixes: cfg.Dispatcher.ManagementTaskSuffixes,
		Reaper:                 jobs,
	})
	dispatcher.Init()
	logger.Info("worker pool initialized", "workers", dispatcher.Len())

	beat := heartbeat.New(dispatcher, sink, cfg.Service.HeartbeatInterval)
	beat.Start(ctx)
	defer beat.Stop()

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:    cfg.API.Listen,
			AuthToken: cfg.API.AuthToken,
		}, dispatcher, jobs, hub, sink.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("dispatchd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		dispatcher.Stop(syscall.SIGTERM)
		return 1
	}

	cancel()
	dispatcher.Stop(syscall.SIGTERM)
	logger.Info("dispatchd stopped")
	return 0
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	logLevel := fs.String("log-level", "info", "Log level for this worker")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	// Worker logs go to stderr; stdout carries the completion stream back
	// to the dispatcher.
	log.Setup(*logLevel)
	worker.InstallStackDumpHandler()

	runner := worker.NewRunner()
	if err := runner.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "worker exited with error: %v\n", err)
		return 1
	}
	return 0
}
