package handler

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerClosed is returned for operations on closing or closed handlers.
	ErrHandlerClosed = errors.New("handler closed")

	// ErrCaptureQueueFull is returned when a socket already has the maximum
	// number of pending capture requests.
	ErrCaptureQueueFull = errors.New("capture queue full")

	// ErrNotCapturing is returned when a capture is requested by a handler
	// whose protocol does not implement CapturingProtocol.
	ErrNotCapturing = errors.New("protocol cannot capture sockets")

	// ErrCaptureInProgress is returned when the captor already captures, or
	// waits for, another socket.
	ErrCaptureInProgress = errors.New("handler already captures another socket")

	// ErrSelfCapture is returned when a handler tries to capture itself.
	ErrSelfCapture = errors.New("handler cannot capture itself")

	// ErrNoSocket is returned for socket operations on a handler without one.
	ErrNoSocket = errors.New("handler has no socket")

	// ErrAlreadyControlled is returned when a socket already has a child
	// handler in control, or the taking handler already has a parent.
	ErrAlreadyControlled = errors.New("socket already under control of another handler")

	// ErrNoParent is returned by ReturnControlOfSocket without a prior takeover.
	ErrNoParent = errors.New("handler has no parent")

	// ErrSupplierClosed is delivered with EventSignal when the signal
	// supplier closed instead of signaling.
	ErrSupplierClosed = errors.New("signal supplier closed")

	// ErrTLSNotStarted is returned when stopping transport security that is
	// not running.
	ErrTLSNotStarted = errors.New("transport security not started")
)

// PanicError wraps a value recovered from a protocol.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("protocol panic: %v", e.Value)
}

// Unwrap exposes panicked errors.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
