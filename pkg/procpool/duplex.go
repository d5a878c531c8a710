package procpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procpool/procpool/internal/framing"
	"github.com/procpool/procpool/internal/wire"
)

// Channel is the Duplex Channel contract (spec.md §4.3): a connection-
// oriented, bidirectional stream of wire.Envelope messages, serialized
// writes, single-consumer reads, and idempotent close. DuplexChannel (a
// raw framed net.Conn) and GRPCDuplexChannel (the same wire format
// tunneled over one bidirectional gRPC stream, see transport_grpc.go)
// are its two realizations. Worker and RequestResponseChannel depend on
// this interface, not either concrete type, so a worker's transport can
// be swapped per spawn without touching either.
type Channel interface {
	ChannelID() string
	IsConnected() bool
	Send(env *wire.Envelope) error
	Receive() (*wire.Envelope, error)
	Close() error
}

// TransportType selects which Channel realization a worker's endpoint
// is connected with.
type TransportType string

const (
	// TransportUnix is the default: a bare length-prefixed frame stream
	// over a Unix-domain socket (spec.md §6.1).
	TransportUnix TransportType = "unix"
	// TransportGRPC tunnels the same wire.Envelope bytes through one
	// bidirectional-streaming gRPC RPC (see transport_grpc.go).
	TransportGRPC TransportType = "grpc"
)

// DisconnectEvent describes why a DuplexChannel transitioned to
// disconnected.
type DisconnectEvent struct {
	Reason     string
	Err        error
	Unexpected bool
}

// DisconnectHandler is invoked exactly once when a channel disconnects,
// whether gracefully or not.
type DisconnectHandler func(DisconnectEvent)

// DuplexChannel is a connection-oriented, bidirectional byte stream
// carrying wire.Envelope messages, with single-writer/single-reader
// discipline and an idempotent disconnect notification.
type DuplexChannel struct {
	id     string
	conn   net.Conn
	framer *framing.Framer
	codec  wire.Codec

	sendMu sync.Mutex

	connected atomic.Bool

	closeOnce      sync.Once
	disconnectOnce sync.Once
	onDisconnect   DisconnectHandler
}

// NewServerChannel accepts exactly one client on listener, bounded by
// ctx, and returns a connected DuplexChannel. The listener is closed
// after the single accept regardless of outcome: the contract is "one
// logical channel per worker" (spec.md §6.1), not a long-lived server.
func NewServerChannel(ctx context.Context, id string, listener net.Listener, codec wire.Codec, maxFrameSize int, onDisconnect DisconnectHandler) (*DuplexChannel, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)

	go func() {
		conn, err := listener.Accept()
		resultCh <- acceptResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = listener.Close()
		return nil, fmt.Errorf("procpool: accept on channel %s: %w", id, ctx.Err())
	case res := <-resultCh:
		_ = listener.Close()
		if res.err != nil {
			return nil, fmt.Errorf("procpool: accept on channel %s: %w", id, res.err)
		}
		return newDuplexChannel(id, res.conn, codec, maxFrameSize, onDisconnect), nil
	}
}

// NewClientChannel dials address with a bounded timeout and returns a
// connected DuplexChannel.
func NewClientChannel(ctx context.Context, id, network, address string, codec wire.Codec, maxFrameSize int, onDisconnect DisconnectHandler) (*DuplexChannel, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("procpool: dial channel %s at %s: %w", id, address, err)
	}
	return newDuplexChannel(id, conn, codec, maxFrameSize, onDisconnect), nil
}

func newDuplexChannel(id string, conn net.Conn, codec wire.Codec, maxFrameSize int, onDisconnect DisconnectHandler) *DuplexChannel {
	c := &DuplexChannel{
		id:           id,
		conn:         conn,
		framer:       framing.NewFramerWithMaxSize(conn, maxFrameSize),
		codec:        codec,
		onDisconnect: onDisconnect,
	}
	c.connected.Store(true)
	return c
}

// ChannelID returns the stable identifier of this channel.
func (c *DuplexChannel) ChannelID() string { return c.id }

// IsConnected reports whether the channel is still usable.
func (c *DuplexChannel) IsConnected() bool { return c.connected.Load() }

// Send encodes and frames env, serialized behind the channel's single
// send lock.
func (c *DuplexChannel) Send(env *wire.Envelope) error {
	if !c.connected.Load() {
		return &IpcError{Reason: "send on disconnected channel " + c.id}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	payload, err := c.codec.Marshal(env)
	if err != nil {
		return &IpcError{Reason: "encode envelope", Cause: err}
	}

	if err := c.framer.WriteMessage(payload); err != nil {
		c.fireDisconnect(DisconnectEvent{Reason: "write failed", Err: err, Unexpected: true})
		return &IpcError{Reason: "write frame", Cause: err}
	}
	return nil
}

// Receive reads and decodes the next envelope. It is intended to be
// driven by a single consumer goroutine (the Request/Response layer's
// receiver). A clean peer close surfaces as (nil, nil); any other failure
// fires the disconnect event and returns an *IpcError.
func (c *DuplexChannel) Receive() (*wire.Envelope, error) {
	raw, err := c.framer.ReadMessage()
	if err != nil {
		if isCleanClose(err) {
			c.fireDisconnect(DisconnectEvent{Reason: "peer closed", Unexpected: false})
			return nil, nil
		}
		c.fireDisconnect(DisconnectEvent{Reason: "read failed", Err: err, Unexpected: true})
		return nil, &IpcError{Reason: "read frame", Cause: err}
	}

	var env wire.Envelope
	if err := c.codec.Unmarshal(raw, &env); err != nil {
		c.fireDisconnect(DisconnectEvent{Reason: "decode failed", Err: err, Unexpected: true})
		return nil, &IpcError{Reason: "decode envelope", Cause: err}
	}
	return &env, nil
}

// Close attempts a graceful shutdown handshake (best-effort Shutdown
// send) then closes the underlying connection. Idempotent: calling Close
// N times behaves exactly as calling it once.
func (c *DuplexChannel) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		if c.connected.Load() {
			env, err := wire.EncodeEnvelope(c.codec, wire.MessageTypeShutdown, 0, wire.Shutdown{})
			if err == nil {
				_ = c.Send(env) // best-effort; errors during close are swallowed
			}
		}
		closeErr = c.conn.Close()
		c.fireDisconnect(DisconnectEvent{Reason: "closed", Unexpected: false})
	})
	return closeErr
}

func (c *DuplexChannel) fireDisconnect(ev DisconnectEvent) {
	c.disconnectOnce.Do(func() {
		c.connected.Store(false)
		if c.onDisconnect != nil {
			c.onDisconnect(ev)
		}
	})
}

// SetDeadline maps a deadline onto the underlying connection. Nothing in
// this package calls it; the Request/Response layer bounds a request with
// its context instead.
func (c *DuplexChannel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF)
}
