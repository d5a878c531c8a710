// Package echoworker is the reference worker process used to exercise the
// pool end-to-end (spec.md §1 names the worker-side loading strategy as a
// deliberately external collaborator; this package is not "the" loading
// strategy, just a reference implementation of the interface a worker
// process must present over IPC, per spec.md §6.2).
package echoworker

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/procpool/procpool/internal/framing"
	"github.com/procpool/procpool/internal/wire"
	"github.com/procpool/procpool/pkg/procpool"
)

// Exit codes per spec.md §6.2 item 5.
const (
	ExitConfiguration     = 2
	ExitImplementationLoad = 3
	ExitOther             = 99
)

// leakHeap holds byte slices appended by the "leak" method so repeated
// calls genuinely grow the process's working set, letting the pool's
// memory-based recycle predicate observe real growth (spec.md §8 scenario
// 2).
var leakHeap [][]byte

// Run parses a StartupConfig from args' final element (the encoded
// command-line token, spec.md §6.2 item 1), brings up the listening
// endpoint, prints the readiness sentinel, and serves invocations until
// Shutdown or parent death. It returns a process exit code; it never calls
// os.Exit itself so callers (a real main, or a re-exec'd test binary) stay
// in control of process teardown.
func Run(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "echoworker: missing startup token argument")
		return ExitConfiguration
	}

	cfg, err := procpool.DecodeStartupToken(args[len(args)-1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "echoworker: decode startup token:", err)
		return ExitConfiguration
	}
	if cfg.EndpointName == "" {
		fmt.Fprintln(os.Stderr, "echoworker: startup config missing endpoint_name")
		return ExitConfiguration
	}

	listener, err := net.Listen("unix", cfg.EndpointName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "echoworker: listen:", err)
		return ExitImplementationLoad
	}

	var acceptListener net.Listener = listener
	if cfg.RequirePeerCreds {
		acceptListener = procpool.WrapListener(listener, procpool.DefaultSecurityConfig())
	}

	if cfg.ParentPID > 0 {
		go watchParent(cfg.ParentPID, func() {
			_ = acceptListener.Close()
			os.Exit(0)
		})
	}

	// Readiness sentinel: exactly this line, on stdout, once the endpoint
	// is accepting (spec.md §6.1).
	fmt.Print(procpool.ReadySentinel)

	codec, err := wire.NewCodec(wire.CodecMessagePack)
	if err != nil {
		fmt.Fprintln(os.Stderr, "echoworker: codec:", err)
		return ExitOther
	}

	var channel procpool.Channel
	switch procpool.TransportType(cfg.Transport) {
	case procpool.TransportGRPC:
		channel, err = procpool.NewGRPCServerChannel(context.Background(), cfg.EndpointName, acceptListener, codec, nil)
	default:
		channel, err = procpool.NewServerChannel(context.Background(), cfg.EndpointName, acceptListener, codec, framing.DefaultMaxFrameSize, nil)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "echoworker: accept:", err)
		return ExitOther
	}
	defer channel.Close()

	for {
		env, err := channel.Receive()
		if err != nil {
			return ExitOther
		}
		if env == nil {
			return 0 // host closed the connection cleanly
		}

		decoded, err := wire.DecodeEnvelope(codec, env)
		if err != nil {
			continue
		}

		switch decoded.Type {
		case wire.MessageTypeMethodInvocation:
			inv := decoded.Value.(wire.MethodInvocation)
			result := dispatch(codec, inv)
			resEnv, err := wire.EncodeEnvelope(codec, wire.MessageTypeMethodResult, 0, result)
			if err != nil {
				continue
			}
			_ = channel.Send(resEnv)
		case wire.MessageTypePing:
			ping := decoded.Value.(wire.Ping)
			pongEnv, _ := wire.EncodeEnvelope(codec, wire.MessageTypePong, 0, wire.Pong{Nonce: ping.Nonce})
			_ = channel.Send(pongEnv)
		case wire.MessageTypeShutdown:
			return 0
		}
	}
}

// dispatch resolves inv.Method against the fixed table below, invokes it,
// and materializes either a success MethodResult or a remote-error one.
// This is the explicit dispatcher spec.md §9 Design Notes calls for in
// place of reflective method lookup: a table keyed by method name, built
// once, with no reflection API required.
func dispatch(codec wire.Codec, inv wire.MethodInvocation) wire.MethodResult {
	handler, ok := methodTable[inv.Method]
	if !ok {
		return wire.MethodResult{
			CorrelationID: inv.CorrelationID,
			Success:       false,
			RemoteKind:    "MethodNotFound",
			RemoteMessage: fmt.Sprintf("method not found: %q", inv.Method),
		}
	}

	payload, typeTag, err := handler(codec, inv.ParamPayloads)
	if err != nil {
		return wire.MethodResult{
			CorrelationID: inv.CorrelationID,
			Success:       false,
			RemoteKind:    "InvocationError",
			RemoteMessage: err.Error(),
		}
	}
	return wire.MethodResult{
		CorrelationID: inv.CorrelationID,
		Success:       true,
		ReturnPayload: payload,
		ReturnTypeTag: typeTag,
	}
}

type methodHandler func(codec wire.Codec, payloads [][]byte) (payload []byte, typeTag string, err error)

var methodTable = map[string]methodHandler{
	"echo":             handleEcho,
	"leak":             handleLeak,
	"slow":             handleSlow,
	"get_process_info": handleGetProcessInfo,
}

// handleEcho returns its single string argument unchanged, except for the
// sentinel value "crash", which aborts the process immediately to
// exercise the pool's crash-resilience path (spec.md §8 scenario 3).
func handleEcho(codec wire.Codec, payloads [][]byte) ([]byte, string, error) {
	var s string
	if len(payloads) > 0 && len(payloads[0]) > 0 {
		if err := codec.Unmarshal(payloads[0], &s); err != nil {
			return nil, "", err
		}
	}
	if s == "crash" {
		os.Exit(1)
	}
	payload, err := codec.Marshal(s)
	return payload, "string", err
}

// handleLeak appends mbCount megabytes to the process-lifetime leakHeap,
// so repeated calls genuinely grow working-set size (spec.md §8 scenario
// 2).
func handleLeak(codec wire.Codec, payloads [][]byte) ([]byte, string, error) {
	var mbCount int
	if len(payloads) > 0 && len(payloads[0]) > 0 {
		if err := codec.Unmarshal(payloads[0], &mbCount); err != nil {
			return nil, "", err
		}
	}
	if mbCount > 0 {
		block := make([]byte, mbCount*1024*1024)
		// Touch every page so the allocation is actually resident.
		for i := 0; i < len(block); i += 4096 {
			block[i] = 1
		}
		leakHeap = append(leakHeap, block)
	}
	return nil, "", nil
}

// handleSlow sleeps for ms milliseconds (default 2000) before replying,
// to exercise MethodTimeout (spec.md §8 scenario 4).
func handleSlow(codec wire.Codec, payloads [][]byte) ([]byte, string, error) {
	ms := 2000
	if len(payloads) > 0 && len(payloads[0]) > 0 {
		if err := codec.Unmarshal(payloads[0], &ms); err != nil {
			return nil, "", err
		}
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	payload, err := codec.Marshal("done")
	return payload, "string", err
}

// ProcessInfo is the get_process_info() return shape: enough for a test to
// observe that a recycle actually replaced the worker's OS process.
type ProcessInfo struct {
	PID int `msgpack:"pid"`
}

func handleGetProcessInfo(codec wire.Codec, payloads [][]byte) ([]byte, string, error) {
	payload, err := codec.Marshal(ProcessInfo{PID: os.Getpid()})
	return payload, "ProcessInfo", err
}
