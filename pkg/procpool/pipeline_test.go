package procpool

import (
	"context"
	"errors"
	"testing"

	"github.com/procpool/procpool/internal/wire"
)

func TestTypeTag(t *testing.T) {
	if got := TypeTag(nil); got != "nil" {
		t.Errorf("TypeTag(nil) = %q, want nil", got)
	}
	if got := TypeTag("x"); got != "string" {
		t.Errorf("TypeTag(string) = %q, want string", got)
	}
	if got := TypeTag(42); got != "int" {
		t.Errorf("TypeTag(int) = %q, want int", got)
	}
}

func newPipelineTestClient(t *testing.T) *Client {
	t.Helper()
	_, client := newTestPool(t, PoolConfig{MinPoolSize: 1, MaxPoolSize: 1})
	return client
}

func TestClient_Call_EchoRoundTrip(t *testing.T) {
	client := newPipelineTestClient(t)
	var out string
	if err := client.Call(context.Background(), "echo", []interface{}{"ping"}, &out); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "ping" {
		t.Errorf("got %q, want %q", out, "ping")
	}
}

func TestClient_Call_NilOutIgnoresReturn(t *testing.T) {
	client := newPipelineTestClient(t)
	if err := client.Call(context.Background(), "echo", []interface{}{"ignored"}, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

func TestClient_Call_UnknownMethod(t *testing.T) {
	client := newPipelineTestClient(t)
	err := client.Call(context.Background(), "not_a_real_method", nil, nil)
	var notFound *MethodNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Call() error = %T (%v), want *MethodNotFoundError", err, err)
	}
}

func TestClient_Call_DisposeIsInterceptedLocally(t *testing.T) {
	client := newPipelineTestClient(t)
	if err := client.Call(context.Background(), DisposeMethod, nil, nil); err != nil {
		t.Fatalf("Call(Dispose) error = %v, want nil (never forwarded to a worker)", err)
	}
}

func TestCallTyped(t *testing.T) {
	client := newPipelineTestClient(t)
	out, err := CallTyped[string, string](context.Background(), client, "echo", "typed-hello")
	if err != nil {
		t.Fatalf("CallTyped() error = %v", err)
	}
	if out != "typed-hello" {
		t.Errorf("got %q, want %q", out, "typed-hello")
	}
}

func TestTypedClient_CallAndBatchCall(t *testing.T) {
	client := newPipelineTestClient(t)
	typed := NewTypedClient[string, string](client, "echo")

	out, err := typed.Call(context.Background(), "single")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "single" {
		t.Errorf("got %q, want %q", out, "single")
	}

	inputs := []string{"a", "b", "c", "d"}
	results := typed.BatchCall(context.Background(), inputs)
	if len(results) != len(inputs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(inputs))
	}
	for i, res := range results {
		if res.Index != i {
			t.Errorf("results[%d].Index = %d, want %d", i, res.Index, i)
		}
		if res.Err != nil {
			t.Errorf("results[%d].Err = %v", i, res.Err)
		}
		if res.Output != inputs[i] {
			t.Errorf("results[%d].Output = %q, want %q", i, res.Output, inputs[i])
		}
	}
}

func TestClient_decodeResult_RemoteInvocationError(t *testing.T) {
	client := &Client{codec: mustCodec(t)}
	result := &wire.MethodResult{
		Success:       false,
		RemoteKind:    "SomeRemoteError",
		RemoteMessage: "boom",
	}
	err := client.decodeResult("whatever", result, nil)
	var remoteErr *RemoteInvocationError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("decodeResult() error = %T, want *RemoteInvocationError", err)
	}
	if remoteErr.RemoteMessage != "boom" {
		t.Errorf("RemoteMessage = %q, want boom", remoteErr.RemoteMessage)
	}
}

func TestClient_decodeResult_AbsentPayloadIsZeroValue(t *testing.T) {
	client := &Client{codec: mustCodec(t)}
	result := &wire.MethodResult{Success: true}
	var out string
	if err := client.decodeResult("whatever", result, &out); err != nil {
		t.Fatalf("decodeResult() error = %v", err)
	}
	if out != "" {
		t.Errorf("out = %q, want the zero value", out)
	}
}

func mustCodec(t *testing.T) wire.Codec {
	t.Helper()
	codec, err := wire.NewCodec(wire.CodecMessagePack)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return codec
}
