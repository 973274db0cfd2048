package eventbus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nugget/meshbus/internal/wire"
)

func strEventType(name string) EventType[string] {
	return New(name, wire.NewSerializer(
		func(s string) (json.RawMessage, error) { return json.Marshal(s) },
		func(d json.RawMessage) (string, error) {
			var s string
			err := json.Unmarshal(d, &s)
			return s, err
		},
	))
}

func TestRegisterDuplicateErrors(t *testing.T) {
	r := NewRegistry(nil)
	et := strEventType("ping")
	if err := Register(r, et); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(r, et); err == nil {
		t.Fatalf("expected error on duplicate Register")
	}
}

func TestAddListenerRequiresRegistration(t *testing.T) {
	r := NewRegistry(nil)
	et := strEventType("ping")
	_, err := AddListener(r, et, func(context.Context, string) error { return nil })
	if err == nil {
		t.Fatalf("expected error adding listener before Register")
	}
}

func TestDispatchInvokesListenersInOrder(t *testing.T) {
	r := NewRegistry(nil)
	et := strEventType("ping")
	if err := Register(r, et); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if _, err := AddListener(r, et, func(context.Context, string) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("AddListener: %v", err)
		}
	}

	data, _ := json.Marshal("hello")
	r.Dispatch(context.Background(), wire.Envelope{Type: "ping", Data: data})

	want := []int{0, 1, 2}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchPassesDecodedValue(t *testing.T) {
	r := NewRegistry(nil)
	et := strEventType("greet")
	Register(r, et)

	got := make(chan string, 1)
	AddListener(r, et, func(ctx context.Context, s string) error {
		got <- s
		return nil
	})

	data, _ := json.Marshal("world")
	r.Dispatch(context.Background(), wire.Envelope{Type: "greet", Data: data})

	select {
	case v := <-got:
		if v != "world" {
			t.Fatalf("got %q, want %q", v, "world")
		}
	default:
		t.Fatalf("listener was not invoked")
	}
}

func TestDispatchUnknownTypeIsDropped(t *testing.T) {
	r := NewRegistry(nil)
	// Should not panic.
	r.Dispatch(context.Background(), wire.Envelope{Type: "nope", Data: json.RawMessage(`{}`)})
}

func TestRemoveListenerStopsFutureDispatch(t *testing.T) {
	r := NewRegistry(nil)
	et := strEventType("ping")
	Register(r, et)

	calls := 0
	id, _ := AddListener(r, et, func(context.Context, string) error {
		calls++
		return nil
	})

	data, _ := json.Marshal("x")
	r.Dispatch(context.Background(), wire.Envelope{Type: "ping", Data: data})
	r.RemoveListener("ping", id)
	r.Dispatch(context.Background(), wire.Envelope{Type: "ping", Data: data})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDispatchOneListenerErrorDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(nil)
	et := strEventType("ping")
	Register(r, et)

	secondCalled := false
	AddListener(r, et, func(context.Context, string) error {
		panic("boom")
	})
	AddListener(r, et, func(context.Context, string) error {
		secondCalled = true
		return nil
	})

	data, _ := json.Marshal("x")
	r.Dispatch(context.Background(), wire.Envelope{Type: "ping", Data: data})

	if !secondCalled {
		t.Fatalf("second listener was not invoked after first panicked")
	}
}
