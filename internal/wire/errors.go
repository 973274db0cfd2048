package wire

import "fmt"

// ProtocolError reports a malformed envelope or a registration
// collision (duplicate event type, endpoint, or table key).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError reports a failure at the connection layer: sending
// on a closed connection, or an unexpected close.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return "transport error: " + e.Msg + ": " + e.Err.Error()
	}
	return "transport error: " + e.Msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with a transport-layer message.
func NewTransportError(msg string, err error) *TransportError {
	return &TransportError{Msg: msg, Err: err}
}

// DeserializeError reports a payload (table item or event) that could
// not be decoded by its registered serializer.
type DeserializeError struct {
	Msg string
	Err error
}

func (e *DeserializeError) Error() string {
	if e.Err != nil {
		return "deserialize error: " + e.Msg + ": " + e.Err.Error()
	}
	return "deserialize error: " + e.Msg
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// NewDeserializeError wraps err with a decode-context message.
func NewDeserializeError(msg string, err error) *DeserializeError {
	return &DeserializeError{Msg: msg, Err: err}
}

// EndpointError reports a handler-side failure surfaced to the caller
// of an endpoint invocation, naming the endpoint key.
type EndpointError struct {
	EndpointKey string
	Message     string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %s failed: %s", e.EndpointKey, e.Message)
}

// NewEndpointError builds an EndpointError for the given key/message.
func NewEndpointError(key, message string) *EndpointError {
	return &EndpointError{EndpointKey: key, Message: message}
}

// LifecycleError reports an illegal start/stop transition: starting
// an already-running client, or stopping one that is not running.
type LifecycleError struct {
	Msg string
}

func (e *LifecycleError) Error() string { return "lifecycle error: " + e.Msg }

// NewLifecycleError builds a LifecycleError with a formatted message.
func NewLifecycleError(format string, args ...any) *LifecycleError {
	return &LifecycleError{Msg: fmt.Sprintf(format, args...)}
}
