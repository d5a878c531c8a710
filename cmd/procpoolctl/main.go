// Command procpoolctl is the demo CLI host named in spec.md §1 as the
// trivial, deliberately out-of-core adapter over the pool: it loads a
// Config via viper and drives a Pool of the reference echoworker, calling
// out to pkg/procpool for everything that matters.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/procpool/procpool/internal/wire"
	"github.com/procpool/procpool/pkg/procpool"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "procpoolctl",
		Short:   "procpoolctl drives a procpool worker pool from the command line",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a procpool config file (default: discover ./config.yaml)")

	root.AddCommand(echoCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statsCmd())
	return root
}

// buildPool loads Config and brings a Pool up against the reference
// echoworker binary, looked up by echoworkerBinaryPath next to the
// procpoolctl binary and then on PATH.
func buildPool(ctx context.Context) (*procpool.Pool, *procpool.Client, *procpool.Logger, error) {
	cfg, err := procpool.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Pool.ImplementationLocator == "" {
		cfg.Pool.ImplementationLocator = "echoworker"
	}
	if cfg.Pool.ImplementationTypeName == "" {
		cfg.Pool.ImplementationTypeName = "echoworker"
	}

	logger := procpool.NewLogger(cfg.Logging)
	codec, err := wire.NewCodec(wire.CodecType(cfg.Protocol.Codec))
	if err != nil {
		return nil, nil, nil, err
	}

	socketMgr := procpool.NewSocketManager(cfg.Socket)
	if err := socketMgr.EnsureSocketDir(); err != nil {
		return nil, nil, nil, err
	}

	workerBinary, err := echoworkerBinaryPath()
	if err != nil {
		return nil, nil, nil, err
	}

	spawnTmpl := procpool.SpawnConfig{
		Command:          workerBinary,
		Transport:        procpool.TransportType(cfg.Protocol.Transport),
		RequirePeerCreds: cfg.Protocol.RequirePeerCreds,
	}

	pool, err := procpool.NewPool(cfg.Pool, socketMgr, spawnTmpl, codec, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pool.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	client := procpool.NewClient(pool, codec)
	return pool, client, logger, nil
}

// echoworkerBinaryPath locates the compiled reference worker: first next to
// this binary (the expected deployment layout), then on PATH.
func echoworkerBinaryPath() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "echoworker")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("echoworker"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("echoworker binary not found next to %s or on PATH", os.Args[0])
}

func echoCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "call the echo method on a freshly started pool and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, client, _, err := buildPool(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = pool.Shutdown(context.Background()) }()

			var out string
			if err := client.Call(ctx, "echo", []interface{}{message}, &out); err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "hello", "message to echo through the worker")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start a pool and the metrics HTTP endpoint, and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, _, logger, err := buildPool(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = pool.Shutdown(context.Background()) }()

			cfg, err := procpool.LoadConfig(configPath)
			if err != nil {
				return err
			}
			metrics := procpool.NewMetrics()
			pool.AttachMetrics(metrics)

			metricsSrv, err := procpool.StartMetricsServer(cfg.Metrics, pool, metrics)
			if err != nil {
				return fmt.Errorf("start metrics server: %w", err)
			}
			defer func() { _ = metricsSrv.Close() }()

			logger.InfoContext(ctx, "procpoolctl serving", "min_pool_size", cfg.Pool.MinPoolSize, "max_pool_size", cfg.Pool.MaxPoolSize)
			<-ctx.Done()
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "start a pool, print its statistics snapshot, and shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, _, _, err := buildPool(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = pool.Shutdown(context.Background()) }()

			stats := pool.Stats()
			fmt.Printf("total=%d healthy=%d busy=%d available=%d calls=%d\n",
				stats.Total, stats.Healthy, stats.Busy, stats.Available, stats.Calls)
			return nil
		},
	}
}
