package event

import "errors"

// ErrInvalidEvent indicates an event that fails validation: missing
// workflow id, unrecognized type, or a malformed payload. Invalid events
// are rejected without retry.
var ErrInvalidEvent = errors.New("invalid event")

// ErrBusClosed is returned by Publish after the bus has stopped. In-flight
// handlers are drained; new events are refused.
var ErrBusClosed = errors.New("event bus closed")

// ErrBusFull is returned by TryPublish when the pending queue is at
// capacity. Publish blocks instead; workers treat bus-full as a retryable
// condition.
var ErrBusFull = errors.New("event bus queue full")
