package procpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procpool/procpool/internal/wire"
)

// RequestResponseChannel wraps a DuplexChannel with single-flight
// request/response semantics: at most one SendRequest may be outstanding
// at any time. A background receiver goroutine owns the channel's read
// side for its entire lifetime.
type RequestResponseChannel struct {
	channel Channel
	codec   wire.Codec
	logger  *Logger

	inFlight atomic.Bool

	mu      sync.Mutex
	pending *pendingRequest

	closeOnce sync.Once
	doneCh    chan struct{}
}

type pendingRequest struct {
	correlationID uint64
	resultCh      chan wire.MethodResult
	errCh         chan error
}

// NewRequestResponseChannel wraps channel (either Duplex Channel
// realization) and starts its receiver goroutine.
func NewRequestResponseChannel(channel Channel, codec wire.Codec, logger *Logger) *RequestResponseChannel {
	rr := &RequestResponseChannel{
		channel: channel,
		codec:   codec,
		logger:  logger,
		doneCh:  make(chan struct{}),
	}
	go rr.receiveLoop()
	return rr
}

// SendRequest sends invocation and blocks until its MethodResult arrives,
// ctx is canceled, or invocation.TimeoutMS elapses. Calling SendRequest
// while a previous call on the same channel is still outstanding is a
// programmer error and fails immediately with ConcurrencyViolationError;
// it never queues.
func (rr *RequestResponseChannel) SendRequest(ctx context.Context, invocation wire.MethodInvocation) (*wire.MethodResult, error) {
	if !rr.inFlight.CompareAndSwap(false, true) {
		return nil, &ConcurrencyViolationError{ChannelID: rr.channel.ChannelID()}
	}
	defer rr.inFlight.Store(false)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slot := &pendingRequest{
		correlationID: invocation.CorrelationID,
		resultCh:      make(chan wire.MethodResult, 1),
		errCh:         make(chan error, 1),
	}

	rr.mu.Lock()
	rr.pending = slot
	rr.mu.Unlock()
	defer func() {
		rr.mu.Lock()
		rr.pending = nil
		rr.mu.Unlock()
	}()

	env, err := wire.EncodeEnvelope(rr.codec, wire.MessageTypeMethodInvocation, nowUnix(), invocation)
	if err != nil {
		return nil, &IpcError{Reason: "encode invocation", Cause: err}
	}

	if err := rr.channel.Send(env); err != nil {
		return nil, err
	}

	timeout := time.Duration(invocation.TimeoutMS) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-slot.resultCh:
		return &result, nil
	case err := <-slot.errCh:
		return nil, err
	case <-timer.C:
		return nil, &MethodTimeoutError{Method: invocation.Method, Timeout: timeout.String()}
	case <-ctx.Done():
		// Cancellation after send does not cancel execution in the
		// worker; it only abandons the local wait.
		return nil, ctx.Err()
	case <-rr.doneCh:
		return nil, &IpcError{Reason: "channel closed while request pending"}
	}
}

// receiveLoop reads frames for the life of the channel, dispatching
// MethodResult to the pending slot and Shutdown to a graceful close.
func (rr *RequestResponseChannel) receiveLoop() {
	defer close(rr.doneCh)

	for {
		env, err := rr.channel.Receive()
		if err != nil {
			rr.failPending(&IpcError{Reason: "receive failed", Cause: err})
			return
		}
		if env == nil {
			// Clean peer close.
			rr.failPending(&IpcError{Reason: "channel disconnected"})
			return
		}

		decoded, err := wire.DecodeEnvelope(rr.codec, env)
		if err != nil {
			if rr.logger != nil {
				rr.logger.Logger.Warn("discarding undecodable frame", "error", err)
			}
			continue
		}

		switch decoded.Type {
		case wire.MessageTypeMethodResult:
			result := decoded.Value.(wire.MethodResult)
			rr.deliverResult(result)
		case wire.MessageTypeShutdown:
			_ = rr.channel.Close()
			rr.failPending(&IpcError{Reason: "worker initiated shutdown"})
			return
		default:
			if rr.logger != nil {
				rr.logger.Logger.Debug("ignoring message", "type", decoded.Type.String())
			}
		}
	}
}

func (rr *RequestResponseChannel) deliverResult(result wire.MethodResult) {
	rr.mu.Lock()
	slot := rr.pending
	rr.mu.Unlock()

	if slot == nil || slot.correlationID != result.CorrelationID {
		if rr.logger != nil {
			rr.logger.Logger.Warn("result with no matching pending request", "correlation_id", result.CorrelationID)
		}
		return
	}
	select {
	case slot.resultCh <- result:
	default:
	}
}

func (rr *RequestResponseChannel) failPending(err error) {
	rr.mu.Lock()
	slot := rr.pending
	rr.mu.Unlock()

	if slot == nil {
		return
	}
	select {
	case slot.errCh <- err:
	default:
	}
}

// Close closes the underlying channel; idempotent.
func (rr *RequestResponseChannel) Close() error {
	var err error
	rr.closeOnce.Do(func() {
		err = rr.channel.Close()
	})
	return err
}

func nowUnix() uint64 {
	return uint64(time.Now().UnixNano())
}
