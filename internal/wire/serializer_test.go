package wire

import (
	"encoding/json"
	"testing"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestJSONSerializerRoundTrip(t *testing.T) {
	ser := JSON[point]()
	p := point{X: 1, Y: 2}

	wire, err := ser.Serialize(p)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := ser.Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got != p {
		t.Fatalf("round trip = %+v, want %+v", got, p)
	}
}

func TestArraySerializer(t *testing.T) {
	ser := Array(JSON[point]())
	in := []point{{1, 2}, {3, 4}}

	wire, err := ser.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	out, err := ser.Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestMapSerializerPreservesOrder(t *testing.T) {
	ser := Map(JSON[point]())
	in := NewOrderedMap[point]()
	in.Set("b", point{2, 2})
	in.Set("a", point{1, 1})

	wire, err := ser.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if got := wire.Keys(); !equalStrings(got, []string{"b", "a"}) {
		t.Fatalf("wire key order = %v, want [b a]", got)
	}

	out, err := ser.Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got := out.Keys(); !equalStrings(got, []string{"b", "a"}) {
		t.Fatalf("deserialized key order = %v, want [b a]", got)
	}
}

func TestNoopSerializerIsIdentity(t *testing.T) {
	ser := Noop()
	raw := json.RawMessage(`{"hello":"world"}`)

	wire, err := ser.Serialize(raw)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if string(wire) != string(raw) {
		t.Fatalf("Serialize = %s, want %s", wire, raw)
	}
	back, err := ser.Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if string(back) != string(raw) {
		t.Fatalf("Deserialize = %s, want %s", back, raw)
	}
}
