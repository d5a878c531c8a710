// Package bench holds throughput and latency benchmarks for the worker
// pool, run against the in-repo echoworker reference process via the same
// test-binary re-exec trick pkg/procpool uses for its own integration
// tests, so no external interpreter or prebuilt binary is required to run
// them.
package bench

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/procpool/procpool/internal/echoworker"
	"github.com/procpool/procpool/internal/wire"
	"github.com/procpool/procpool/pkg/procpool"
)

const reexecEnvVar = "PROCPOOL_BENCH_REEXEC_ECHOWORKER"

func TestMain(m *testing.M) {
	if os.Getenv(reexecEnvVar) == "1" {
		os.Exit(echoworker.Run(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func echoworkerSpawnConfig(b *testing.B) procpool.SpawnConfig {
	b.Helper()
	self, err := os.Executable()
	if err != nil {
		b.Fatalf("os.Executable() error = %v", err)
	}
	return procpool.SpawnConfig{
		Command: self,
		Env:     append(os.Environ(), reexecEnvVar+"=1"),
	}
}

func shortSocketDir(b *testing.B) string {
	b.Helper()
	dir, err := os.MkdirTemp("", "pb")
	if err != nil {
		b.Fatalf("os.MkdirTemp() error = %v", err)
	}
	b.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// newBenchPool brings up a pool of numWorkers echoworker processes and
// returns it alongside a bound invocation-pipeline Client.
func newBenchPool(b *testing.B, numWorkers int) (*procpool.Pool, *procpool.Client) {
	b.Helper()

	cfg := procpool.PoolConfig{
		MinPoolSize:            numWorkers,
		MaxPoolSize:            numWorkers,
		ImplementationLocator:  "echoworker",
		ImplementationTypeName: "echoworker",
		MethodCallTimeout:      10 * time.Second,
		ProcessStartTimeout:    10 * time.Second,
		RecycleCheckCalls:      1 << 30, // effectively disabled: benchmarks measure steady state
		StartupConcurrency:     numWorkers,
	}

	socketMgr := procpool.NewSocketManager(procpool.SocketConfig{Dir: shortSocketDir(b), Prefix: "pb", Permissions: 0600})
	codec, err := wire.NewCodec(wire.CodecMessagePack)
	if err != nil {
		b.Fatalf("NewCodec() error = %v", err)
	}
	logger := procpool.NewLogger(procpool.LoggingConfig{Level: "error", Format: "text"})

	pool, err := procpool.NewPool(cfg, socketMgr, echoworkerSpawnConfig(b), codec, logger)
	if err != nil {
		b.Fatalf("NewPool() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		b.Fatalf("pool.Start() error = %v", err)
	}
	b.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	return pool, procpool.NewClient(pool, codec)
}

func calculatePercentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	idx := int(float64(len(latencies)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	return latencies[idx]
}

func repeatString(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
