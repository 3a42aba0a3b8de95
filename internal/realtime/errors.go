package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventKind is returned when a frame carries an event kind this package does not model
	ErrUnknownEventKind = errors.New("unknown event kind")
	// ErrRetriesExhausted marks a ConnectionError raised after the retry budget was spent
	ErrRetriesExhausted = errors.New("subscribe retries exhausted")
	// ErrChannelClosed is returned by operations on a removed channel
	ErrChannelClosed = errors.New("channel closed")
)

// ConnectionError reports that a channel failed to reach SUBSCRIBED or was dropped.
type ConnectionError struct {
	Topic     string
	Status    SubscribeStatus
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("channel %s: connection failed (status=%s", e.Topic, e.Status)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", attempts=%d", e.Attempts)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	if e.Exhausted {
		return errors.Join(ErrRetriesExhausted, e.Err)
	}
	return e.Err
}

// NotReadyError reports an operation that requires a subscribed channel.
// Callers must queue or reject the operation, never drop it silently.
type NotReadyError struct {
	Topic string
	Op    string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("channel %s: %s requires a subscribed channel", e.Topic, e.Op)
}

// IsNotReady reports whether err is (or wraps) a NotReadyError
func IsNotReady(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}

// IsConnectionError reports whether err is (or wraps) a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
