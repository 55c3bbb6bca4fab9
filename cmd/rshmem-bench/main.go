package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/rshmem/internal/cluster"
	"github.com/yuuki/rshmem/internal/config"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/shmem"
	"github.com/yuuki/rshmem/internal/telemetry"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("rshmem-bench", pflag.ExitOnError)
	config.SetupFlags(flagSet)

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Handle version flag
	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("rshmem-bench v0.1.0")
		os.Exit(0)
	}

	// Handle create-config flag
	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Benchmark failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	hook, shutdown, err := setupMetrics(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	c, err := cluster.New(cfg.ClusterConfig(hook))
	if err != nil {
		return fmt.Errorf("failed to bring up cluster: %w", err)
	}
	defer c.Close()

	size := uint64(cfg.Bench.MessageSize)
	for _, pe := range c.PEs() {
		pattern := make([]byte, size)
		for i := range pattern {
			pattern[i] = byte(i)
		}
		if err := c.Space().WriteAt(pattern, pe.Heap.Addr); err != nil {
			return fmt.Errorf("failed to fill heap of PE %d: %w", pe.Rank, err)
		}
	}

	// Every (PE, queue pair index) gets its own goroutine and its own
	// destination slot in each peer's heap.
	slots := cfg.HeapSize/size - 1
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, pe := range c.PEs() {
		pe := pe
		base, err := shmem.New(c, pe.Rank)
		if err != nil {
			return err
		}
		for qp := uint32(0); qp < cfg.QPsPerPeer; qp++ {
			rt, err := base.OnQP(qp)
			if err != nil {
				return err
			}
			dest := pe.Heap.Addr
			if slots > 0 {
				dest += size * (1 + uint64(pe.Rank*cfg.QPsPerPeer+qp)%slots)
			}
			g.Go(func() error {
				return drive(gctx, rt, cfg, dest, pe.Heap.Addr, size)
			})
		}
	}
	err = g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		var statusErr *rdma.StatusError
		if errors.As(err, &statusErr) {
			log.Error().
				Uint32("peer", statusErr.Peer).
				Uint32("qp", statusErr.QP).
				Str("status", statusErr.Status.String()).
				Msg("Transport reported a completion error")
		}
		return err
	}

	puts := uint64(cfg.PEs) * uint64(cfg.PEs-1) * uint64(cfg.QPsPerPeer) * uint64(cfg.Bench.Messages)
	bytes := puts * size
	nicStats := c.Device().Stats()
	memStats := c.Space().Stats()
	log.Info().
		Uint64("puts", puts).
		Uint64("bytes", bytes).
		Dur("elapsed", elapsed).
		Float64("puts_per_sec", float64(puts)/elapsed.Seconds()).
		Float64("mib_per_sec", float64(bytes)/(1<<20)/elapsed.Seconds()).
		Uint64("nic_executed", nicStats.Executed).
		Uint64("nic_failed", nicStats.Failed).
		Uint64("flushes", memStats.Flushes).
		Uint64("barriers", memStats.Barriers).
		Msg("Benchmark finished")
	return nil
}

// drive posts the configured number of puts from rt to every peer and waits
// for them.
func drive(ctx context.Context, rt *shmem.Runtime, cfg *config.Config, dest, source, size uint64) error {
	limiter := ratelimit.NewUnlimited()
	if cfg.Bench.Rate > 0 {
		limiter = ratelimit.New(cfg.Bench.Rate)
	}

	for i := 0; i < cfg.Bench.Messages; i++ {
		for peer := uint32(0); peer < cfg.PEs; peer++ {
			if int(peer) == rt.MyPE() {
				continue
			}
			limiter.Take()
			if err := rt.PutMemNBI(ctx, dest, source, size, peer); err != nil {
				return fmt.Errorf("PE %d put %d to PE %d: %w", rt.MyPE(), i, peer, err)
			}
		}
	}
	return rt.QuietQP(ctx)
}

// setupMetrics returns the metric hook for the configured exporter and a
// function releasing it.
func setupMetrics(ctx context.Context, cfg *config.Config) (rdma.MetricHook, func(), error) {
	switch cfg.Metrics.Exporter {
	case config.ExporterOTLP:
		hostname, _ := os.Hostname()
		m, err := telemetry.NewOTLP(ctx, hostname, cfg.Metrics.OtelCollectorAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up OTLP metrics: %w", err)
		}
		log.Info().Str("collector", cfg.Metrics.OtelCollectorAddr).Msg("Exporting metrics over OTLP")
		return m, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to shut down metrics provider")
			}
		}, nil

	case config.ExporterPrometheus:
		m, err := telemetry.NewPrometheus(telemetry.PrometheusOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up Prometheus metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.Metrics.PrometheusAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.Metrics.PrometheusAddr).Msg("Metrics endpoint failed")
			}
		}()
		log.Info().Str("addr", cfg.Metrics.PrometheusAddr).Msg("Serving Prometheus metrics")
		return m, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}, nil

	default:
		return nil, func() {}, nil
	}
}
