package procpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/procpool/procpool/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// This file is an alternate Duplex Channel realization for hosts that
// already run a gRPC mesh and want the pool's wire format tunneled
// through it instead of a bare Unix socket. It deliberately avoids a
// protoc-generated package: the tunnel carries already-encoded
// wire.Envelope bytes as opaque frames over one bidirectional-streaming
// RPC, using a codec that does no marshaling of its own, the same
// codec-free-proxying technique grpc-proxy libraries use to forward
// arbitrary gRPC traffic without knowing its schema.

const rawCodecName = "procpool-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawFrame is the only value the raw codec ever (un)marshals: bytes that
// are already a fully encoded wire.Envelope, passed through untouched.
type rawFrame []byte

// rawCodec implements encoding.Codec as an identity transform, so gRPC's
// framing does the only encoding that happens at this layer; the wire
// codec (msgpack/json) still does the Envelope encoding, exactly as it
// does for the Unix-socket realization.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(rawFrame)
	if !ok {
		return nil, fmt.Errorf("procpool: grpc raw codec: unsupported type %T", v)
	}
	return f, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("procpool: grpc raw codec: unsupported type %T", v)
	}
	*f = append((*f)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return rawCodecName }

const (
	grpcTunnelServiceName = "procpool.Tunnel"
	grpcTunnelMethodName  = "Exchange"
)

var grpcTunnelFullMethod = fmt.Sprintf("/%s/%s", grpcTunnelServiceName, grpcTunnelMethodName)

// tunnelServer is the HandlerType grpc.ServiceDesc dispatches to; it is
// never generated from a .proto because the service has exactly one
// method and no typed fields to generate.
type tunnelServer interface {
	Exchange(stream grpc.ServerStream) error
}

var tunnelServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcTunnelServiceName,
	HandlerType: (*tunnelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    grpcTunnelMethodName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(tunnelServer).Exchange(stream)
			},
		},
	},
}

// tunnelServerImpl accepts exactly one Exchange stream, matching the
// spec's "one logical channel per worker" contract (spec.md §6.1): a
// second concurrent caller is rejected outright rather than multiplexed.
type tunnelServerImpl struct {
	streamCh chan grpc.ServerStream
	doneCh   chan struct{}
	accepted atomic.Bool
}

func (t *tunnelServerImpl) Exchange(stream grpc.ServerStream) error {
	if !t.accepted.CompareAndSwap(false, true) {
		return status.Error(codes.ResourceExhausted, "procpool: tunnel already has one client")
	}
	t.streamCh <- stream
	<-t.doneCh
	return nil
}

// GRPCDuplexChannel realizes the Duplex Channel contract (spec.md §4.3)
// over a gRPC bidirectional stream instead of a raw net.Conn.
type GRPCDuplexChannel struct {
	id    string
	codec wire.Codec

	sendMu sync.Mutex
	sendFn func(rawFrame) error
	recvFn func() (rawFrame, error)
	stopFn func() error

	connected      atomic.Bool
	closeOnce      sync.Once
	disconnectOnce sync.Once
	onDisconnect   DisconnectHandler
}

func newGRPCDuplexChannel(id string, codec wire.Codec, onDisconnect DisconnectHandler, send func(rawFrame) error, recv func() (rawFrame, error), stop func() error) *GRPCDuplexChannel {
	c := &GRPCDuplexChannel{id: id, codec: codec, onDisconnect: onDisconnect, sendFn: send, recvFn: recv, stopFn: stop}
	c.connected.Store(true)
	return c
}

// NewGRPCServerChannel starts a gRPC server on lis and blocks until one
// client dials the tunnel service or ctx is canceled, mirroring
// NewServerChannel's "accept exactly one client" contract.
func NewGRPCServerChannel(ctx context.Context, id string, lis net.Listener, codec wire.Codec, onDisconnect DisconnectHandler) (*GRPCDuplexChannel, error) {
	impl := &tunnelServerImpl{streamCh: make(chan grpc.ServerStream, 1), doneCh: make(chan struct{})}

	srv := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	srv.RegisterService(&tunnelServiceDesc, impl)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(lis) }()

	select {
	case stream := <-impl.streamCh:
		return newGRPCDuplexChannel(id, codec, onDisconnect,
			func(f rawFrame) error { return stream.SendMsg(f) },
			func() (rawFrame, error) {
				var f rawFrame
				err := stream.RecvMsg(&f)
				return f, err
			},
			func() error {
				close(impl.doneCh)
				srv.Stop()
				return nil
			},
		), nil
	case err := <-serveErrCh:
		return nil, fmt.Errorf("procpool: grpc tunnel serve: %w", err)
	case <-ctx.Done():
		srv.Stop()
		return nil, fmt.Errorf("procpool: grpc tunnel accept: %w", ctx.Err())
	}
}

// NewGRPCClientChannel dials target (a "host:port" TCP address or a
// "unix:///path" UDS target) and opens the tunnel stream.
func NewGRPCClientChannel(ctx context.Context, id, target string, codec wire.Codec, onDisconnect DisconnectHandler) (*GRPCDuplexChannel, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)))
	if err != nil {
		return nil, fmt.Errorf("procpool: grpc tunnel dial %s: %w", target, err)
	}

	desc := &grpc.StreamDesc{StreamName: grpcTunnelMethodName, ServerStreams: true, ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, grpcTunnelFullMethod)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("procpool: grpc tunnel open stream: %w", err)
	}

	return newGRPCDuplexChannel(id, codec, onDisconnect,
		func(f rawFrame) error { return stream.SendMsg(f) },
		func() (rawFrame, error) {
			var f rawFrame
			err := stream.RecvMsg(&f)
			return f, err
		},
		func() error { return conn.Close() },
	), nil
}

func (c *GRPCDuplexChannel) ChannelID() string { return c.id }
func (c *GRPCDuplexChannel) IsConnected() bool { return c.connected.Load() }

// Send encodes env with the wire codec and ships it as one opaque gRPC
// message, serialized behind the channel's single send lock (spec.md
// §4.3).
func (c *GRPCDuplexChannel) Send(env *wire.Envelope) error {
	if !c.connected.Load() {
		return &IpcError{Reason: "send on disconnected channel " + c.id}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	payload, err := c.codec.Marshal(env)
	if err != nil {
		return &IpcError{Reason: "encode envelope", Cause: err}
	}
	if err := c.sendFn(rawFrame(payload)); err != nil {
		c.fireDisconnect(DisconnectEvent{Reason: "grpc send failed", Err: err, Unexpected: true})
		return &IpcError{Reason: "grpc send", Cause: err}
	}
	return nil
}

// Receive reads and decodes the next envelope; intended for a single
// consumer goroutine, exactly like DuplexChannel.Receive.
func (c *GRPCDuplexChannel) Receive() (*wire.Envelope, error) {
	frame, err := c.recvFn()
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.fireDisconnect(DisconnectEvent{Reason: "peer closed", Unexpected: false})
			return nil, nil
		}
		c.fireDisconnect(DisconnectEvent{Reason: "grpc receive failed", Err: err, Unexpected: true})
		return nil, &IpcError{Reason: "grpc receive", Cause: err}
	}

	var env wire.Envelope
	if err := c.codec.Unmarshal(frame, &env); err != nil {
		c.fireDisconnect(DisconnectEvent{Reason: "decode failed", Err: err, Unexpected: true})
		return nil, &IpcError{Reason: "decode envelope", Cause: err}
	}
	return &env, nil
}

// Close tears the gRPC stream/server or client connection down;
// idempotent like DuplexChannel.Close.
func (c *GRPCDuplexChannel) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.stopFn()
		c.fireDisconnect(DisconnectEvent{Reason: "closed", Unexpected: false})
	})
	return closeErr
}

func (c *GRPCDuplexChannel) fireDisconnect(ev DisconnectEvent) {
	c.disconnectOnce.Do(func() {
		c.connected.Store(false)
		if c.onDisconnect != nil {
			c.onDisconnect(ev)
		}
	})
}
