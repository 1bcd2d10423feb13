// Package transport implements the broker connection agents use to deliver
// and receive tasks: a long-lived MQTT session with a custom reconnect loop,
// last-will tombstoning, and retained status publication.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/2389-research/agentmesh/internal/agent"
	"github.com/2389-research/agentmesh/internal/backoff"
	"github.com/2389-research/agentmesh/internal/protocol"
)

// AtLeastOnce is the quality-of-service level every publish and
// subscription on this transport uses.
const AtLeastOnce byte = 1

// statusExpirySeconds is the publisher-declared expiry attached to a
// retained available status, refreshed by the heartbeat.
const statusExpirySeconds = 3600

// DefaultHeartbeatInterval is used when Config.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 900 * time.Second

// DefaultInFlightCapacity bounds the channel the transport hands parsed
// deliveries to the processor through.
const DefaultInFlightCapacity = 16

// Config configures a Client.
type Config struct {
	BrokerURL         string
	AgentID           string
	HeartbeatInterval time.Duration
	InFlightCapacity  int
	Logger            *slog.Logger
}

// Health is a point-in-time snapshot of the transport's connection state.
type Health struct {
	Connected            bool
	Uptime               time.Duration
	TimeSinceLastMessage time.Duration
	ReconnectCount       int
}

// Client is the broker connection for one agent: it owns the paho MQTT
// client, a custom reconnect loop driven by backoff.TransportReconnectSchedule,
// and the channel of inbound deliveries the processor reads from.
//
// Reconnection is driven manually rather than through paho's built-in
// AutoReconnect: paho v1.x's own backoff does not follow the exact
// [25,50,100,250]ms-then-plateau contract this transport is specified to
// use, so AutoReconnect is disabled and ConnectionLostHandler instead
// triggers reconnectLoop.
type Client struct {
	cfg    Config
	logger *slog.Logger

	client mqtt.Client

	mu             sync.RWMutex
	connectedAt    time.Time
	lastMessageAt  time.Time
	reconnectCount int

	connected atomic.Bool

	deliveries chan agent.Delivery

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Client. It does not connect; call Start for that.
func New(cfg Config) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("transport: broker_url is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("transport: agent_id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.InFlightCapacity <= 0 {
		cfg.InFlightCapacity = DefaultInFlightCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		deliveries: make(chan agent.Delivery, cfg.InFlightCapacity),
		closed:     make(chan struct{}),
	}

	tombstone, err := json.Marshal(protocol.AgentStatus{
		AgentID: cfg.AgentID,
		Status:  protocol.StatusUnavailable,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: marshaling last-will tombstone: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.AgentID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetBinaryWill(protocol.StatusTopic(cfg.AgentID), tombstone, AtLeastOnce, true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		c.logger.Warn("transport connection lost", "agent_id", cfg.AgentID, "error", err)
		go c.reconnectLoop()
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.connected.Store(true)
		c.mu.Lock()
		c.connectedAt = time.Now()
		c.mu.Unlock()
		c.logger.Info("transport connected", "agent_id", cfg.AgentID)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Start opens the connection, subscribes to this agent's own input topic
// and the discovery status wildcard, and begins heartbeat republication.
func (c *Client) Start(ctx context.Context, statusWildcardHandler func(topic string, retained bool, payload []byte)) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	if err := c.subscribe(protocol.InputTopic(c.cfg.AgentID), c.handleTaskMessage); err != nil {
		return err
	}
	if statusWildcardHandler != nil {
		if err := c.subscribe(protocol.StatusWildcard, func(client mqtt.Client, msg mqtt.Message) {
			c.touchLastMessage()
			statusWildcardHandler(msg.Topic(), msg.Retained(), msg.Payload())
		}); err != nil {
			return err
		}
	}

	go c.heartbeatLoop(ctx)
	return nil
}

// initialConnectMaxAttempts bounds the first connection attempt at startup.
// Unlike reconnectLoop's fixed, unbounded schedule (a wire contract this
// transport must follow once it has ever been connected), the very first
// connect is allowed to give up and surface an error to the caller, so it
// uses the general-purpose policy-based retry with a short aggressive
// policy instead.
const initialConnectMaxAttempts = 5

func (c *Client) connect(ctx context.Context) error {
	_, err := backoff.RetryWithBackoff(ctx, backoff.AggressivePolicy(), initialConnectMaxAttempts, func(attempt int) (struct{}, error) {
		token := c.client.Connect()
		if !token.WaitTimeout(30 * time.Second) {
			return struct{}{}, fmt.Errorf("transport: connect attempt %d timed out", attempt)
		}
		return struct{}{}, token.Error()
	})
	return err
}

func (c *Client) subscribe(topic string, handler mqtt.MessageHandler) error {
	token := c.client.Subscribe(topic, AtLeastOnce, handler)
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("transport: subscribe to %q timed out", topic)
	}
	return token.Error()
}

func (c *Client) handleTaskMessage(_ mqtt.Client, msg mqtt.Message) {
	c.touchLastMessage()

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	d := agent.Delivery{
		Topic:    msg.Topic(),
		Retained: msg.Retained(),
		Payload:  payload,
	}

	select {
	case c.deliveries <- d:
	case <-c.closed:
	}
}

func (c *Client) touchLastMessage() {
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
}

// Deliveries returns the channel of inbound task frames.
func (c *Client) Deliveries() <-chan agent.Delivery {
	return c.deliveries
}

// Publish implements agent.Publisher.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("transport: not connected, cannot publish to %q", topic)
	}

	token := c.client.Publish(topic, AtLeastOnce, retained, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

// PublishAvailable publishes a retained available status for this agent.
// The status expiry is not sent on the wire (see publishRetainedWithExpiry).
func (c *Client) PublishAvailable(ctx context.Context, capabilities []string, description string, load *float64) error {
	status := protocol.AgentStatus{
		AgentID:      c.cfg.AgentID,
		Status:       protocol.StatusAvailable,
		Timestamp:    time.Now(),
		Capabilities: capabilities,
		Description:  description,
		Load:         load,
		Health:       protocol.HealthOK,
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("transport: marshaling available status: %w", err)
	}
	return c.publishRetainedWithExpiry(ctx, protocol.StatusTopic(c.cfg.AgentID), payload, statusExpirySeconds)
}

// PublishUnavailable publishes a retained tombstone for this agent, with no
// expiry so it persists until superseded by a later available message.
func (c *Client) PublishUnavailable(ctx context.Context) error {
	status := protocol.AgentStatus{
		AgentID:   c.cfg.AgentID,
		Status:    protocol.StatusUnavailable,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("transport: marshaling unavailable status: %w", err)
	}
	return c.Publish(ctx, protocol.StatusTopic(c.cfg.AgentID), payload, true)
}

// publishRetainedWithExpiry publishes retained. paho.mqtt.golang v1.5.1
// targets the MQTT 3.1.1 wire format and has no API for MQTT5 message-expiry
// properties, so expirySeconds is not sent on the wire; the heartbeat loop
// is the mechanism that actually keeps the retained available message
// fresh, republishing it every HeartbeatInterval regardless of broker-side
// expiry support.
func (c *Client) publishRetainedWithExpiry(ctx context.Context, topic string, payload []byte, _ int) error {
	return c.Publish(ctx, topic, payload, true)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.PublishAvailable(ctx, nil, "", nil); err != nil {
				c.logger.Warn("heartbeat republish failed", "agent_id", c.cfg.AgentID, "error", err)
			}
		}
	}
}

// reconnectLoop retries Connect on the TransportReconnectSchedule until it
// succeeds or the client is closed. Retries are unbounded, per spec.
func (c *Client) reconnectLoop() {
	schedule := backoff.TransportReconnectSchedule()
	attempt := 1
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		if err := backoff.SleepWithContext(context.Background(), backoff.ComputeSchedule(schedule, attempt)); err != nil {
			return
		}

		token := c.client.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			c.mu.Lock()
			c.reconnectCount++
			c.mu.Unlock()
			return
		}

		attempt++
	}
}

// IsConnected reports whether the underlying session is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsPermanentlyDisconnected always reports false: reconnection is
// unbounded. Reserved for a future bounded-retry policy.
func (c *Client) IsPermanentlyDisconnected() bool {
	return false
}

// HealthSnapshot reports the transport's current connection health.
func (c *Client) HealthSnapshot() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := Health{
		Connected:      c.IsConnected(),
		ReconnectCount: c.reconnectCount,
	}
	if !c.connectedAt.IsZero() {
		h.Uptime = time.Since(c.connectedAt)
	}
	if !c.lastMessageAt.IsZero() {
		h.TimeSinceLastMessage = time.Since(c.lastMessageAt)
	}
	return h
}

// Close stops the heartbeat and reconnect loops and disconnects; it
// publishes nothing. The unavailable status is published beforehand by the
// orchestrator's Shutdown, which cmd/agent calls before Close.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.Disconnect(250)
	})
}
