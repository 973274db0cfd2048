package wire

import (
	"errors"
	"testing"
)

func TestEndpointErrorMessage(t *testing.T) {
	err := NewEndpointError("a:echo", "bad")
	want := "endpoint a:echo failed: bad"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestTransportErrorUnwraps(t *testing.T) {
	inner := errors.New("closed")
	err := NewTransportError("send", inner)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is did not find wrapped error")
	}
}

func TestDeserializeErrorUnwraps(t *testing.T) {
	inner := errors.New("bad json")
	err := NewDeserializeError("table item", inner)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is did not find wrapped error")
	}
}

func TestProtocolErrorFormats(t *testing.T) {
	err := NewProtocolError("event type %s already registered", "table:listen")
	want := "protocol error: event type table:listen already registered"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
