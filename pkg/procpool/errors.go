package procpool

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable tag identifying the category of a procpool error.
// Callers should match on kind via errors.As against the concrete error
// types below, not by inspecting message text.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "Configuration"
	KindWorkerStartup       ErrorKind = "WorkerStartup"
	KindWorkerCrashed       ErrorKind = "WorkerCrashed"
	KindIpcError            ErrorKind = "IpcError"
	KindMethodTimeout       ErrorKind = "MethodTimeout"
	KindRemoteInvocation    ErrorKind = "RemoteInvocation"
	KindPoolExhausted       ErrorKind = "PoolExhausted"
	KindMethodNotFound      ErrorKind = "MethodNotFound"
	KindConcurrencyViolation ErrorKind = "ConcurrencyViolation"
)

// ConfigurationError reports an invalid pool or worker configuration.
// Raised synchronously from validators, before any worker spawns.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("procpool: configuration: %s", e.Reason)
}

func (e *ConfigurationError) Kind() ErrorKind { return KindConfiguration }

// WorkerStartupError reports that spawn, readiness, or channel connect did
// not complete within the configured deadline. Fatal for that worker
// instance.
type WorkerStartupError struct {
	WorkerID string
	Reason   string
	Cause    error
}

func (e *WorkerStartupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("procpool: worker startup %s: %s: %v", e.WorkerID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("procpool: worker startup %s: %s", e.WorkerID, e.Reason)
}

func (e *WorkerStartupError) Kind() ErrorKind { return KindWorkerStartup }
func (e *WorkerStartupError) Unwrap() error    { return e.Cause }

// WorkerCrashedError reports an observed unexpected child-process exit.
type WorkerCrashedError struct {
	WorkerID string
	ExitCode int
	HasExit  bool
}

func (e *WorkerCrashedError) Error() string {
	if e.HasExit {
		return fmt.Sprintf("procpool: worker %s crashed (exit code %d)", e.WorkerID, e.ExitCode)
	}
	return fmt.Sprintf("procpool: worker %s crashed", e.WorkerID)
}

func (e *WorkerCrashedError) Kind() ErrorKind { return KindWorkerCrashed }

// IpcError reports a framing, codec, or transport failure. Fatal for the
// channel it occurred on.
type IpcError struct {
	Reason string
	Cause  error
}

func (e *IpcError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("procpool: ipc error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("procpool: ipc error: %s", e.Reason)
}

func (e *IpcError) Kind() ErrorKind { return KindIpcError }
func (e *IpcError) Unwrap() error   { return e.Cause }

// MethodTimeoutError reports that no MethodResult arrived within the
// invocation's deadline.
type MethodTimeoutError struct {
	Method  string
	Timeout string
}

func (e *MethodTimeoutError) Error() string {
	return fmt.Sprintf("procpool: method %q timed out after %s", e.Method, e.Timeout)
}

func (e *MethodTimeoutError) Kind() ErrorKind { return KindMethodTimeout }

// RemoteInvocationError reports that the worker-side call produced an
// error. Never retried; surfaced to the caller verbatim.
type RemoteInvocationError struct {
	RemoteKind    string
	RemoteMessage string
	RemoteStack   string
}

func (e *RemoteInvocationError) Error() string {
	if e.RemoteStack != "" {
		return fmt.Sprintf("procpool: remote invocation error [%s]: %s\n%s", e.RemoteKind, e.RemoteMessage, e.RemoteStack)
	}
	return fmt.Sprintf("procpool: remote invocation error [%s]: %s", e.RemoteKind, e.RemoteMessage)
}

func (e *RemoteInvocationError) Kind() ErrorKind { return KindRemoteInvocation }

// PoolExhaustedError reports that all acquisition attempts failed under
// load.
type PoolExhaustedError struct {
	Max int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("procpool: pool exhausted (max pool size %d)", e.Max)
}

func (e *PoolExhaustedError) Kind() ErrorKind { return KindPoolExhausted }

// MethodNotFoundError is a special form of RemoteInvocationError raised by
// the worker dispatcher when the requested method is unknown.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("procpool: method not found: %q", e.Method)
}

func (e *MethodNotFoundError) Kind() ErrorKind { return KindMethodNotFound }

// ConcurrencyViolationError reports a programmer error: two requests
// submitted concurrently on one single-flight channel.
type ConcurrencyViolationError struct {
	ChannelID string
}

func (e *ConcurrencyViolationError) Error() string {
	return fmt.Sprintf("procpool: concurrency violation on channel %s: a request is already in flight", e.ChannelID)
}

func (e *ConcurrencyViolationError) Kind() ErrorKind { return KindConcurrencyViolation }

// errKind extracts the stable ErrorKind of an error produced by this
// package, if any.
func errKind(err error) (ErrorKind, bool) {
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind(), true
	}
	return "", false
}

// isIPCClassError reports whether err belongs to the transport-level error
// class that causes the pool to discard the offending worker: IpcError,
// WorkerCrashedError, or MethodTimeoutError.
func isIPCClassError(err error) bool {
	kind, ok := errKind(err)
	if !ok {
		return false
	}
	switch kind {
	case KindIpcError, KindWorkerCrashed, KindMethodTimeout:
		return true
	default:
		return false
	}
}
