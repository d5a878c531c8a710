package procpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/procpool/procpool/internal/wire"
)

func TestRequestResponseChannel_SendRequest_Success(t *testing.T) {
	server, client := newTestChannelPair(t)
	defer client.Close()

	codec, _ := wire.NewCodec(wire.CodecMessagePack)

	// Act as the worker side: read one invocation, reply with a result.
	go func() {
		env, err := server.Receive()
		if err != nil || env == nil {
			return
		}
		decoded, err := wire.DecodeEnvelope(codec, env)
		if err != nil {
			return
		}
		inv := decoded.Value.(wire.MethodInvocation)
		result := wire.MethodResult{CorrelationID: inv.CorrelationID, Success: true, ReturnPayload: []byte("hello")}
		resEnv, _ := wire.EncodeEnvelope(codec, wire.MessageTypeMethodResult, 0, result)
		_ = server.Send(resEnv)
	}()

	rr := NewRequestResponseChannel(client, codec, nil)
	defer rr.Close()

	invocation := wire.MethodInvocation{CorrelationID: 1, Method: "echo", TimeoutMS: 2000}
	result, err := rr.SendRequest(context.Background(), invocation)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if !result.Success || string(result.ReturnPayload) != "hello" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRequestResponseChannel_ConcurrencyViolation(t *testing.T) {
	_, client := newTestChannelPair(t)
	codec, _ := wire.NewCodec(wire.CodecMessagePack)
	rr := NewRequestResponseChannel(client, codec, nil)
	defer rr.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		_, _ = rr.SendRequest(context.Background(), wire.MethodInvocation{CorrelationID: 1, Method: "slow", TimeoutMS: 1000})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := rr.SendRequest(context.Background(), wire.MethodInvocation{CorrelationID: 2, Method: "other", TimeoutMS: 1000})
	var cv *ConcurrencyViolationError
	if !errors.As(err, &cv) {
		t.Errorf("expected ConcurrencyViolationError, got %v", err)
	}
	wg.Wait()
}

func TestRequestResponseChannel_Timeout(t *testing.T) {
	_, client := newTestChannelPair(t)
	codec, _ := wire.NewCodec(wire.CodecMessagePack)
	rr := NewRequestResponseChannel(client, codec, nil)
	defer rr.Close()

	_, err := rr.SendRequest(context.Background(), wire.MethodInvocation{CorrelationID: 1, Method: "slow", TimeoutMS: 50})
	var te *MethodTimeoutError
	if !errors.As(err, &te) {
		t.Errorf("expected MethodTimeoutError, got %v", err)
	}
}

func TestRequestResponseChannel_DisconnectFailsPending(t *testing.T) {
	server, client := newTestChannelPair(t)
	codec, _ := wire.NewCodec(wire.CodecMessagePack)
	rr := NewRequestResponseChannel(client, codec, nil)
	defer rr.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = server.Close()
	}()

	_, err := rr.SendRequest(context.Background(), wire.MethodInvocation{CorrelationID: 1, Method: "slow", TimeoutMS: 2000})
	var ipc *IpcError
	if !errors.As(err, &ipc) {
		t.Errorf("expected IpcError after disconnect, got %v", err)
	}
}
