package procpool

import (
	"context"
	"fmt"
	"reflect"

	"github.com/procpool/procpool/internal/wire"
)

// DisposeMethod is the reserved method name intercepted at this layer and
// never forwarded to a worker (spec.md §9 Design Notes): each worker's own
// teardown is driven by the Shutdown control message, not by a user-level
// Dispose call arriving over the invocation pipeline.
const DisposeMethod = "Dispose"

// MethodDescriptor names one method on the target interface: its wire
// name, the type tag for each parameter (a stable, cross-process
// resolvable name the worker's dispatcher uses to resolve overloads and
// deserialize), and whether it returns a value at all.
type MethodDescriptor struct {
	Name          string
	ParamTypeTags []string
	IsVoid        bool
}

// TypeTag derives a stable, cross-process-resolvable type tag for v. Two
// Go processes running the same package version produce the same tag for
// the same type, which is all the worker-side dispatcher needs to resolve
// overloads; it is never parsed back into a reflect.Type locally.
func TypeTag(v interface{}) string {
	if v == nil {
		return "nil"
	}
	t := reflect.TypeOf(v)
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Client is the host-side invocation pipeline: it turns a method
// descriptor and argument values into a wire.MethodInvocation, submits it
// to the pool, and decodes the wire.MethodResult back into a Go value or a
// *RemoteInvocationError (spec.md §4.7).
type Client struct {
	pool  *Pool
	codec wire.Codec
}

// NewClient builds an invocation-pipeline Client over pool, encoding
// arguments with codec (the same codec the pool's workers were started
// with).
func NewClient(pool *Pool, codec wire.Codec) *Client {
	return &Client{pool: pool, codec: codec}
}

// Call builds an Invocation from method and args, dispatches it through
// the pool, and decodes the result into out. out may be nil for
// void-returning methods; a non-nil out is populated via the configured
// codec regardless of what the method declares, so the zero value is
// always a safe fallback for an absent return payload.
//
// Dispose is intercepted here and never reaches a worker: forwarding it
// would race the worker's own Shutdown-driven teardown.
func (c *Client) Call(ctx context.Context, method string, args []interface{}, out interface{}) error {
	if method == DisposeMethod {
		return nil
	}

	typeTags := make([]string, len(args))
	payloads := make([][]byte, len(args))
	for i, arg := range args {
		typeTags[i] = TypeTag(arg)
		if arg == nil {
			payloads[i] = []byte{}
			continue
		}
		payload, err := c.codec.Marshal(arg)
		if err != nil {
			return fmt.Errorf("procpool: encode argument %d for %s: %w", i, method, err)
		}
		payloads[i] = payload
	}

	result, err := c.pool.Invoke(ctx, method, typeTags, payloads)
	if err != nil {
		return err
	}

	return c.decodeResult(method, result, out)
}

// decodeResult turns a wire.MethodResult into either a populated out value
// or a *RemoteInvocationError / *MethodNotFoundError (spec.md §4.7 edge
// cases).
func (c *Client) decodeResult(method string, result *wire.MethodResult, out interface{}) error {
	if !result.Success {
		if result.RemoteKind == string(KindMethodNotFound) {
			return &MethodNotFoundError{Method: method}
		}
		return &RemoteInvocationError{
			RemoteKind:    result.RemoteKind,
			RemoteMessage: result.RemoteMessage,
			RemoteStack:   result.RemoteStack,
		}
	}

	if out == nil {
		return nil
	}
	if len(result.ReturnPayload) == 0 {
		// Absent payload decodes as the target's zero value, regardless of
		// what the method declares (spec.md §4.7 edge cases).
		if rv := reflect.ValueOf(out); rv.Kind() == reflect.Ptr && !rv.IsNil() {
			rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
		}
		return nil
	}
	if err := c.codec.Unmarshal(result.ReturnPayload, out); err != nil {
		return fmt.Errorf("procpool: decode return value of %s: %w", method, err)
	}
	return nil
}

// CallTyped is a type-safe wrapper around Client.Call using Go generics:
// TIn is the single argument type, TOut is the declared return type.
func CallTyped[TIn any, TOut any](ctx context.Context, client *Client, method string, input TIn) (TOut, error) {
	var output TOut
	if err := client.Call(ctx, method, []interface{}{input}, &output); err != nil {
		return output, fmt.Errorf("call %s failed: %w", method, err)
	}
	return output, nil
}

// TypedClient binds a Client to one method name and a fixed input/output
// type pair, for callers that want an ergonomic, non-stringly-typed
// surface over the invocation pipeline (spec.md §9: "expose an ergonomic
// call(method_name, args…) surface plus typed helpers").
type TypedClient[TIn any, TOut any] struct {
	client *Client
	method string
}

// NewTypedClient builds a TypedClient bound to method.
func NewTypedClient[TIn any, TOut any](client *Client, method string) *TypedClient[TIn, TOut] {
	return &TypedClient[TIn, TOut]{client: client, method: method}
}

// Call invokes the bound method with input.
func (tc *TypedClient[TIn, TOut]) Call(ctx context.Context, input TIn) (TOut, error) {
	return CallTyped[TIn, TOut](ctx, tc.client, tc.method, input)
}

// BatchResult pairs one BatchCall input's index with its output or error.
type BatchResult[TOut any] struct {
	Index  int
	Output TOut
	Err    error
}

// BatchCall fans inputs out across the pool concurrently (bounded only by
// the pool's own MaxPoolSize throttle) and collects one BatchResult per
// input, preserving the original index so callers can match results back
// up regardless of completion order (spec.md §5: "no order guarantee
// across workers").
func (tc *TypedClient[TIn, TOut]) BatchCall(ctx context.Context, inputs []TIn) []BatchResult[TOut] {
	results := make([]BatchResult[TOut], len(inputs))
	resultCh := make(chan BatchResult[TOut], len(inputs))

	for i, input := range inputs {
		go func(idx int, in TIn) {
			out, err := tc.Call(ctx, in)
			resultCh <- BatchResult[TOut]{Index: idx, Output: out, Err: err}
		}(i, input)
	}

	for range inputs {
		res := <-resultCh
		results[res.Index] = res
	}
	return results
}
