package mqtt

import (
	"context"
	"testing"

	"github.com/nugget/meshbus/internal/config"
)

type fakeSizes struct {
	sizes map[string]int
}

func (f fakeSizes) TableSizes() map[string]int { return f.sizes }

func TestBridge_TopicPaths(t *testing.T) {
	cfg := config.MQTTConfig{
		Enabled:   true,
		BrokerURL: "tcp://localhost:1883",
		TopicRoot: "meshbus",
	}
	b := New(cfg, "test-id", nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availabilityTopic", b.availabilityTopic(), "meshbus/availability"},
		{"appTopic", b.appTopic("meshbus-test/tester"), "meshbus/apps/meshbus-test/tester/state"},
		{"tableSizeTopic", b.tableSizeTopic("contacts:roster"), "meshbus/tables/contacts:roster/size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBridge_PublishAppStateRecordsKnownBeforeConnect(t *testing.T) {
	cfg := config.MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883", TopicRoot: "meshbus"}
	b := New(cfg, "test-id", nil, nil)

	// Before Start(), cm is nil; PublishAppState should still record
	// the known-state so a subsequent reannounce on connect is correct,
	// and must not panic or error.
	if err := b.PublishAppState(context.Background(), "meshbus-test/tester", true); err != nil {
		t.Fatalf("PublishAppState() error = %v", err)
	}

	b.mu.Lock()
	online := b.known["meshbus-test/tester"]
	b.mu.Unlock()

	if !online {
		t.Error("expected app to be recorded online in known map")
	}
}

func TestBridge_PublishAppStateOffline(t *testing.T) {
	cfg := config.MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883", TopicRoot: "meshbus"}
	b := New(cfg, "test-id", nil, nil)

	b.PublishAppState(context.Background(), "meshbus-test/tester", true)
	b.PublishAppState(context.Background(), "meshbus-test/tester", false)

	b.mu.Lock()
	online := b.known["meshbus-test/tester"]
	b.mu.Unlock()

	if online {
		t.Error("expected app to be recorded offline after second call")
	}
}

func TestBridge_RunLoopNoSizeSourceReturnsOnCancel(t *testing.T) {
	cfg := config.MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883", TopicRoot: "meshbus"}
	b := New(cfg, "test-id", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.runLoop(ctx)
		close(done)
	}()
	cancel()
	<-done
}

func TestBridge_PublishTableSizesNoOpWithoutConnection(t *testing.T) {
	cfg := config.MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883", TopicRoot: "meshbus"}
	b := New(cfg, "test-id", fakeSizes{sizes: map[string]int{"contacts:roster": 3}}, nil)

	// b.cm is nil since Start() was never called; publishTableSizes
	// must be a safe no-op rather than panicking on a nil connection.
	b.publishTableSizes(context.Background())
}
