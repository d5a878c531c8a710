package procpool

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procpool/procpool/internal/framing"
	"github.com/procpool/procpool/internal/wire"
	"github.com/vmihailenco/msgpack/v5"
)

// WorkerState is the worker lifecycle state (spec.md §3):
// Spawning -> Ready -> Busy <-> Ready -> (Draining | Failed) -> Terminated.
type WorkerState int32

const (
	WorkerStateSpawning WorkerState = iota
	WorkerStateReady
	WorkerStateBusy
	WorkerStateDraining
	WorkerStateFailed
	WorkerStateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateSpawning:
		return "Spawning"
	case WorkerStateReady:
		return "Ready"
	case WorkerStateBusy:
		return "Busy"
	case WorkerStateDraining:
		return "Draining"
	case WorkerStateFailed:
		return "Failed"
	case WorkerStateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ReadySentinel is the exact line a worker process must print to standard
// output once its listening endpoint is accepting connections (spec.md
// §6.1/§6.2).
const ReadySentinel = "PROCESS_SANDBOX_WORKER_READY\n"

// StartupConfig is encoded as a single command-line token and handed to the
// worker process (spec.md §6.2): the implementation locator, entry name,
// endpoint to listen on, verbosity, and parent PID.
type StartupConfig struct {
	ImplementationLocator  string `msgpack:"implementation_locator"`
	ImplementationTypeName string `msgpack:"implementation_type_name"`
	EndpointName           string `msgpack:"endpoint_name"`
	VerboseLogging         bool   `msgpack:"verbose_logging"`
	ParentPID              int    `msgpack:"parent_pid"`
	// Transport selects which Channel realization the worker should
	// listen with: TransportUnix (default, a bare framed Unix-domain
	// socket) or TransportGRPC (the same socket tunneled through one
	// bidirectional gRPC stream). Empty means TransportUnix.
	Transport string `msgpack:"transport"`
	// RequirePeerCreds, if true, has the worker verify each accepted
	// connection's Unix-domain-socket peer credentials (same effective
	// UID as the worker) before serving it, per spec.md §6.1's socket
	// permission requirements.
	RequirePeerCreds bool `msgpack:"require_peer_creds"`
}

// EncodeStartupToken encodes cfg as a single base64 command-line token.
// A single token (rather than environment variables) is required because
// the worker startup contract expects the config to arrive as an
// invocation argument, and env vars do not generalize to workers that are
// not scripts the parent's environment can shape (native or 32-bit
// workers in particular).
func EncodeStartupToken(cfg StartupConfig) (string, error) {
	raw, err := msgpack.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("procpool: encode startup config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeStartupToken decodes a single command-line token produced by
// EncodeStartupToken. Intended for use by worker-process implementations
// (see internal/echoworker).
func DecodeStartupToken(token string) (StartupConfig, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return StartupConfig{}, fmt.Errorf("procpool: decode startup token: %w", err)
	}
	var cfg StartupConfig
	if err := msgpack.Unmarshal(raw, &cfg); err != nil {
		return StartupConfig{}, fmt.Errorf("procpool: unmarshal startup config: %w", err)
	}
	return cfg, nil
}

// SpawnConfig describes how to start one worker's OS process.
type SpawnConfig struct {
	// Command is the executable to run (e.g. an interpreter, or the
	// reference worker binary itself).
	Command string
	// Args are prepended before the single encoded startup token.
	Args []string
	// Env, if non-nil, replaces the inherited environment entirely.
	Env []string

	SocketPath             string
	ImplementationLocator  string
	ImplementationTypeName string
	VerboseLogging         bool
	// Transport selects the Channel realization this worker's endpoint
	// is connected with. Empty/TransportUnix is the default raw framed
	// Unix-domain socket; TransportGRPC tunnels the same wire format
	// through one bidirectional gRPC stream over that socket.
	Transport TransportType
	// RequirePeerCreds, if true, has the worker verify each accepted
	// connection's peer credentials before serving it (see
	// StartupConfig.RequirePeerCreds).
	RequirePeerCreds bool
}

// WorkerFailedEvent is emitted on unexpected process exit, channel
// disconnect, or a caller-reported invocation error (spec.md §4.5 "Failure
// surface"). A startup readiness timeout does not emit it: Spawn stops the
// worker and returns a *WorkerStartupError to its caller instead.
type WorkerFailedEvent struct {
	WorkerID string
	Reason   string
	Cause    error
}

// Worker supervises one child process and its Request/Response Channel.
type Worker struct {
	id      string
	spawn   SpawnConfig
	poolCfg PoolConfig
	logger  *Logger
	codec   wire.Codec

	cmd      *exec.Cmd
	cmdMu    sync.Mutex
	waitOnce sync.Once
	waitErr  error

	state     atomic.Int32
	pid       atomic.Int32
	startedAt atomic.Int64

	callCount      atomic.Uint64
	recycleCounter atomic.Uint64
	everSucceeded  atomic.Bool

	usageMu sync.Mutex

	rr      *RequestResponseChannel
	channel Channel

	onFailed func(WorkerFailedEvent)

	stopOnce sync.Once
	doneCh   chan struct{}
}

var workerIDCounter atomic.Uint64

// NewWorkerID returns a fresh, process-unique WorkerId. Every spawned
// worker gets a new one, including a replacement for a recycled worker.
func NewWorkerID() string {
	return fmt.Sprintf("worker-%d", workerIDCounter.Add(1))
}

// NewWorker constructs a Worker in the Spawning state. Call Spawn to
// actually start the child process.
func NewWorker(id string, spawn SpawnConfig, poolCfg PoolConfig, codec wire.Codec, logger *Logger, onFailed func(WorkerFailedEvent)) *Worker {
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	}
	w := &Worker{
		id:       id,
		spawn:    spawn,
		poolCfg:  poolCfg,
		logger:   logger.WithWorker(id),
		codec:    codec,
		onFailed: onFailed,
		doneCh:   make(chan struct{}),
	}
	w.state.Store(int32(WorkerStateSpawning))
	return w
}

// ID returns this worker's stable WorkerId.
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// PID returns the current OS process ID, or 0 if not running.
func (w *Worker) PID() int { return int(w.pid.Load()) }

// CallCount returns the worker's lifetime call counter.
func (w *Worker) CallCount() uint64 { return w.callCount.Load() }

// StartedAt returns when the current process was spawned.
func (w *Worker) StartedAt() time.Time {
	return time.Unix(0, w.startedAt.Load())
}

// Spawn starts the child process, waits for the readiness sentinel (or
// process exit, or ProcessStartTimeout), then connects the client end of
// the channel within the same timeout budget.
func (w *Worker) Spawn(ctx context.Context) error {
	startupCfg := StartupConfig{
		ImplementationLocator:  w.spawn.ImplementationLocator,
		ImplementationTypeName: w.spawn.ImplementationTypeName,
		EndpointName:           w.spawn.SocketPath,
		VerboseLogging:         w.spawn.VerboseLogging,
		ParentPID:              os.Getpid(),
		Transport:              string(w.spawn.Transport),
		RequirePeerCreds:       w.spawn.RequirePeerCreds,
	}
	token, err := EncodeStartupToken(startupCfg)
	if err != nil {
		return &WorkerStartupError{WorkerID: w.id, Reason: "encode startup config", Cause: err}
	}

	spawnCtx, cancel := context.WithTimeout(ctx, w.poolCfg.ProcessStartTimeout)
	defer cancel()

	args := append(append([]string{}, w.spawn.Args...), token)
	cmd := exec.CommandContext(spawnCtx, w.spawn.Command, args...)
	if w.spawn.Env != nil {
		cmd.Env = w.spawn.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &WorkerStartupError{WorkerID: w.id, Reason: "create stdout pipe", Cause: err}
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return &WorkerStartupError{WorkerID: w.id, Reason: "start process", Cause: err}
	}

	w.cmdMu.Lock()
	w.cmd = cmd
	w.cmdMu.Unlock()
	w.pid.Store(int32(cmd.Process.Pid))
	w.startedAt.Store(time.Now().UnixNano())

	sentinelCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if scanner.Text()+"\n" == ReadySentinel {
				sentinelCh <- nil
				return
			}
		}
		sentinelCh <- fmt.Errorf("worker exited before printing readiness sentinel")
	}()

	go w.monitor()

	select {
	case err := <-sentinelCh:
		if err != nil {
			_ = w.Stop(context.Background())
			return &WorkerStartupError{WorkerID: w.id, Reason: "readiness sentinel", Cause: err}
		}
	case <-spawnCtx.Done():
		_ = w.Stop(context.Background())
		return &WorkerStartupError{WorkerID: w.id, Reason: "readiness timeout", Cause: spawnCtx.Err()}
	}

	channel, err := w.dialChannel(spawnCtx)
	if err != nil {
		_ = w.Stop(context.Background())
		return &WorkerStartupError{WorkerID: w.id, Reason: "connect channel", Cause: err}
	}

	w.channel = channel
	w.rr = NewRequestResponseChannel(channel, w.codec, w.logger)
	w.state.Store(int32(WorkerStateReady))
	w.logger.InfoContext(ctx, "worker ready", "pid", w.PID())
	return nil
}

// dialChannel connects the client end of this worker's Duplex Channel,
// realized as either a bare framed Unix-domain socket (TransportUnix,
// the default) or the same socket tunneled through one bidirectional
// gRPC stream (TransportGRPC). Worker and RequestResponseChannel depend
// only on the Channel interface, so which realization wins here is the
// only place that needs to know.
func (w *Worker) dialChannel(ctx context.Context) (Channel, error) {
	switch w.spawn.Transport {
	case TransportGRPC:
		target := "unix://" + w.spawn.SocketPath
		return NewGRPCClientChannel(ctx, w.id, target, w.codec, w.handleDisconnect)
	default:
		return NewClientChannel(ctx, w.id, "unix", w.spawn.SocketPath, w.codec, framing.DefaultMaxFrameSize, w.handleDisconnect)
	}
}

func (w *Worker) handleDisconnect(ev DisconnectEvent) {
	if w.State() == WorkerStateTerminated || w.State() == WorkerStateDraining {
		return
	}
	w.state.Store(int32(WorkerStateFailed))
	if w.onFailed != nil {
		w.onFailed(WorkerFailedEvent{WorkerID: w.id, Reason: ev.Reason, Cause: ev.Err})
	}
}

// Invoke dispatches one invocation under the worker's single-flight usage
// lock. Fails immediately if the worker is not Ready.
func (w *Worker) Invoke(ctx context.Context, method string, paramTypeTags []string, paramPayloads [][]byte) (*wire.MethodResult, error) {
	w.usageMu.Lock()
	defer w.usageMu.Unlock()

	if !w.state.CompareAndSwap(int32(WorkerStateReady), int32(WorkerStateBusy)) {
		return nil, &IpcError{Reason: fmt.Sprintf("worker %s is not ready", w.id)}
	}
	defer func() {
		w.state.CompareAndSwap(int32(WorkerStateBusy), int32(WorkerStateReady))
	}()

	invocation := wire.MethodInvocation{
		CorrelationID: nextCorrelationID(),
		Method:        method,
		ParamTypeTags: paramTypeTags,
		ParamPayloads: paramPayloads,
		TimeoutMS:     uint64(w.poolCfg.MethodCallTimeout / time.Millisecond),
	}

	result, err := w.rr.SendRequest(ctx, invocation)
	if err != nil {
		w.state.Store(int32(WorkerStateFailed))
		if isIPCClassError(err) {
			if crashErr := w.crashErrorIfExited(); crashErr != nil {
				err = crashErr
			}
		}
		if w.onFailed != nil {
			w.onFailed(WorkerFailedEvent{WorkerID: w.id, Reason: "invocation failed", Cause: err})
		}
		return nil, err
	}

	w.callCount.Add(1)
	w.everSucceeded.Store(true)
	return result, nil
}

// crashErrorIfExited reports a *WorkerCrashedError if the child process
// has already exited, or exits within a short grace period, nil
// otherwise. It upgrades a generic *IpcError (a closed pipe looks the
// same whether the peer exited or merely misbehaved) into the more
// specific WorkerCrashed kind spec.md §7 names for "observed child exit".
func (w *Worker) crashErrorIfExited() error {
	done := make(chan error, 1)
	go func() { done <- w.wait() }()

	select {
	case waitErr := <-done:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &WorkerCrashedError{WorkerID: w.id, ExitCode: exitErr.ExitCode(), HasExit: true}
		}
		return &WorkerCrashedError{WorkerID: w.id, HasExit: waitErr == nil}
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

// EverSucceeded reports whether this worker has completed at least one
// successful call, used by the pool to decide startup-race retry
// eligibility.
func (w *Worker) EverSucceeded() bool { return w.everSucceeded.Load() }

// ShouldRecycle evaluates the recycle predicate (spec.md §4.5), run on
// only 1 of every RecycleCheckCalls invocations to bound cost.
func (w *Worker) ShouldRecycle() bool {
	checkEvery := w.poolCfg.RecycleCheckCalls
	if checkEvery == 0 {
		checkEvery = 1
	}
	if w.recycleCounter.Add(1)%checkEvery != 0 {
		return false
	}

	if w.poolCfg.ProcessRecycleThreshold > 0 && w.callCount.Load() >= w.poolCfg.ProcessRecycleThreshold {
		return true
	}
	if w.poolCfg.MaxProcessLifetime > 0 && time.Since(w.StartedAt()) >= w.poolCfg.MaxProcessLifetime {
		return true
	}

	usage, err := probeResourceUsage(w.PID())
	if err != nil {
		return true
	}
	if w.poolCfg.MaxMemoryMB > 0 && usage.MemoryMB > w.poolCfg.MaxMemoryMB {
		return true
	}
	if w.poolCfg.MaxGdiHandles > 0 && usage.GdiHandles > w.poolCfg.MaxGdiHandles {
		return true
	}
	if w.poolCfg.MaxUserHandles > 0 && usage.UserHandles > w.poolCfg.MaxUserHandles {
		return true
	}
	if w.poolCfg.MaxTotalHandles > 0 && usage.TotalHandles > w.poolCfg.MaxTotalHandles {
		return true
	}
	return false
}

// Stop performs the graceful-then-forced shutdown sequence: close the
// channel (sending Shutdown), briefly wait, then kill the process and wait
// up to 5s for exit. All steps ignore their own errors and proceed; Stop
// is idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.state.Store(int32(WorkerStateDraining))

		if w.channel != nil {
			_ = w.channel.Close()
		}
		time.Sleep(50 * time.Millisecond)

		w.cmdMu.Lock()
		cmd := w.cmd
		w.cmdMu.Unlock()

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			doneCh := make(chan struct{})
			go func() {
				_ = w.wait()
				close(doneCh)
			}()

			select {
			case <-doneCh:
			case <-time.After(5 * time.Second):
			}
		}

		w.state.Store(int32(WorkerStateTerminated))
		w.pid.Store(0)
		close(w.doneCh)
	})
	return nil
}

func (w *Worker) wait() error {
	w.cmdMu.Lock()
	cmd := w.cmd
	w.cmdMu.Unlock()

	if cmd == nil {
		return nil
	}
	w.waitOnce.Do(func() {
		w.waitErr = cmd.Wait()
	})
	return w.waitErr
}

func (w *Worker) monitor() {
	err := w.wait()
	if w.State() == WorkerStateTerminated || w.State() == WorkerStateDraining {
		return
	}
	w.state.Store(int32(WorkerStateFailed))
	if w.onFailed != nil {
		w.onFailed(WorkerFailedEvent{WorkerID: w.id, Reason: "process exited unexpectedly", Cause: err})
	}
}

var correlationIDCounter atomic.Uint64

func nextCorrelationID() uint64 {
	return correlationIDCounter.Add(1)
}
