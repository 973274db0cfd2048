package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/meshbus/internal/config"
)

// TableSizeSource provides a point-in-time snapshot of every
// registered table's item count, keyed by "owner:name". cmd/omuserver
// passes its *server.Server directly via SetTableSizeSource, so this
// package does not import the server package.
type TableSizeSource interface {
	TableSizes() map[string]int
}

// Bridge manages the MQTT connection, publishes retained presence
// state for the broker and for each connected App, and runs a
// periodic loop that pushes table-size gauges to the broker.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	sizes      TableSizeSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu    sync.Mutex
	known map[string]bool // app key -> currently announced online
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and publish loop. A nil logger is replaced with
// [slog.Default]. sizes may be nil if table-size telemetry is not
// needed; the periodic gauge loop becomes a no-op in that case.
func New(cfg config.MQTTConfig, instanceID string, sizes TableSizeSource, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		sizes:      sizes,
		logger:     logger,
		known:      make(map[string]bool),
	}
}

// Start connects to the MQTT broker and begins the periodic gauge
// publish loop. It blocks until ctx is cancelled. On every (re-)connect
// it publishes a birth message and re-announces the presence state of
// every App currently known to be online.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()
	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "meshbus-" + b.instanceID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.BrokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.publishAvailability(publishCtx, cm, "online")
			b.reannounce(publishCtx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	// Wait for the initial connection before starting the gauge loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho will keep retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// SetTableSizeSource sets or replaces the table-size source after
// construction. Useful when the source (the server) must be built
// with a reference to the Bridge's presence hooks before the Bridge
// itself can be told about the server's tables, avoiding a
// construction cycle between the two packages.
func (b *Bridge) SetTableSizeSource(sizes TableSizeSource) {
	b.sizes = sizes
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// PublishAppState publishes the retained online/offline presence
// state for a connected App, keyed by its "group/name" app key. Safe
// for concurrent use from any goroutine; called from the server's
// session-register and session-disconnect paths.
func (b *Bridge) PublishAppState(ctx context.Context, appKey string, online bool) error {
	b.mu.Lock()
	b.known[appKey] = online
	b.mu.Unlock()

	if b.cm == nil {
		return nil
	}

	state := "offline"
	if online {
		state = "online"
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.appTopic(appKey),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish app state for %s: %w", appKey, err)
	}
	return nil
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	return b.cfg.TopicRoot
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) appTopic(appKey string) string {
	return b.baseTopic() + "/apps/" + appKey + "/state"
}

func (b *Bridge) tableSizeTopic(tableKey string) string {
	return b.baseTopic() + "/tables/" + tableKey + "/size"
}

// --- Presence ---

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

// reannounce republishes the presence state of every App known to be
// online. Called on every (re-)connect because a reconnect after a
// network partition may have missed retained-message replacement on
// the broker side.
func (b *Bridge) reannounce(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.mu.Lock()
	online := make([]string, 0, len(b.known))
	for key, isOnline := range b.known {
		if isOnline {
			online = append(online, key)
		}
	}
	b.mu.Unlock()

	for _, key := range online {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   b.appTopic(key),
			Payload: []byte("online"),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			b.logger.Warn("mqtt app re-announce failed", "app", key, "error", err)
		}
	}
}

// --- Periodic table-size gauge loop ---

func (b *Bridge) runLoop(ctx context.Context) {
	if b.sizes == nil {
		<-ctx.Done()
		return
	}

	const interval = 30 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.publishTableSizes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishTableSizes(ctx)
		}
	}
}

func (b *Bridge) publishTableSizes(ctx context.Context) {
	if b.cm == nil {
		return
	}

	sizes := b.sizes.TableSizes()
	for table, count := range sizes {
		if _, err := b.cm.Publish(ctx, &paho.Publish{
			Topic:   b.tableSizeTopic(table),
			Payload: []byte(strconv.Itoa(count)),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt table size publish failed", "table", table, "error", err)
		}
	}

	b.logger.Debug("mqtt table sizes published", "tables", len(sizes))
}
