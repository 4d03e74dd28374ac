package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/thushan/hostpool/internal/app"
	"github.com/thushan/hostpool/internal/config"
	"github.com/thushan/hostpool/internal/hostpool"
	"github.com/thushan/hostpool/internal/logger"
	"github.com/thushan/hostpool/internal/transport/tcp"
	"github.com/thushan/hostpool/internal/version"
	"github.com/thushan/hostpool/pkg/format"
	"github.com/thushan/hostpool/pkg/nerdstats"
	"github.com/thushan/hostpool/pkg/profiler"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(buildLoggerConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	if cfg.Engineering.EnablePprof {
		profiler.InitialiseProfiler(cfg.Engineering.PprofAddr)
		styledLogger.Info("Profiler enabled", "addr", cfg.Engineering.PprofAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	factory := tcp.NewFactory(cfg.Pool.Upstream, cfg.Pool.DialTimeout)
	pool := hostpool.New(poolConfig(cfg), factory, styledLogger)

	application, err := app.New(cfg, styledLogger, pool)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "Failed to start application", "error", err)
	}

	<-ctx.Done()

	if err := application.Stop(context.Background()); err != nil {
		styledLogger.Error("Error during shutdown", "error", err)
	}

	reportProcessStats(styledLogger, startTime)

	styledLogger.Info("hostpool has shutdown")
}

// poolConfig maps the operator-facing PoolConfig onto hostpool.Config.
func poolConfig(cfg *config.Config) hostpool.Config {
	return hostpool.Config{
		MaxConnections:                    cfg.Pool.MaxConnections,
		MinConnections:                    cfg.Pool.MinConnections,
		MaxRetries:                        cfg.Pool.MaxRetries,
		BaseConnectionBackoff:             cfg.Pool.BaseConnectionBackoff,
		MaxConnectionBackoff:              cfg.Pool.MaxConnectionBackoff,
		KeepAliveTimeout:                  cfg.Pool.KeepAliveTimeout,
		ResponseEntitySubscriptionTimeout: cfg.Pool.ResponseEntitySubscriptionTimeout,
		QueueDepth:                        cfg.Pool.QueueDepth,
	}
}

func buildLoggerConfig(cfg *config.Config) *logger.Config {
	return &logger.Config{
		Level:      cfg.Logging.Level,
		FileOutput: cfg.Logging.FileOutput,
		LogDir:     cfg.Logging.LogDir,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Theme:      cfg.Logging.Theme,
		PrettyLogs: true,
	}
}

func reportProcessStats(lg *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	stats := nerdstats.Snapshot(startTime)

	lg.Info("Process Memory Stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"heap_released", format.Bytes(stats.HeapReleased),
		"stack_inuse", format.Bytes(stats.StackInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)

	lg.Info("Process Allocation Stats",
		"total_mallocs", stats.Mallocs,
		"total_frees", stats.Frees,
		"net_objects", int64(stats.Mallocs)-int64(stats.Frees),
	)

	if stats.NumGC > 0 {
		lg.Info("Garbage Collection Stats",
			"num_gc_cycles", stats.NumGC,
			"last_gc", stats.LastGC.Format(time.RFC3339),
			"total_gc_time", format.Duration(stats.TotalGCTime),
			"gc_cpu_fraction", fmt.Sprintf("%.4f%%", stats.GCCPUFraction*100),
		)
	}

	lg.Info("Goroutine Stats",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
		"num_cgo_calls", stats.NumCgoCall,
	)

	lg.Info("Runtime Stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
		"gomaxprocs", stats.GOMAXPROCS,
	)
}
