// Package mqtt wraps the Eclipse Paho client behind the narrow surface the
// ingestion service needs: connect, subscribe, publish, unsubscribe, and a
// Listener interface for consumers that observe rather than call.
package mqtt

import (
	"errors"
	"fmt"
	"os"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Publish and Subscribe when the broker
// connection is not established. Operations fail fast rather than queue.
var ErrNotConnected = errors.New("mqtt: not connected to broker")

// DefaultQoS is at-most-once delivery, used for every subscribe and publish.
const DefaultQoS byte = 0

// Listener receives transport events. Every registered listener is invoked
// from the client's network goroutines; implementations must not block.
//
// Errors are reported on two channels at once: operations like Subscribe and
// Publish return the error to the caller AND notify OnError, so both
// request/response and reactive consumers see every failure.
type Listener interface {
	// OnConnect fires after each successful (re)connection. reconnect is
	// false for the first connection of the client's lifetime.
	OnConnect(reconnect bool)
	// OnOffline fires when the connection to the broker is lost.
	OnOffline(err error)
	// OnMessage fires for every inbound message on a subscribed topic.
	OnMessage(topic string, payload []byte)
	// OnError fires for failed subscribe/publish/unsubscribe exchanges.
	OnError(op string, err error)
}

// Client maintains one logical connection to an MQTT broker. Reconnection
// is handled internally by the transport at a fixed interval; subscriptions
// are restored from local bookkeeping after each reconnect.
type Client struct {
	opts   *mqtt.ClientOptions
	client mqtt.Client
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
	subs      map[string]byte
	wasOnline bool
}

// init ensures that the logger is not nil
func (c *Client) init() {
	if c.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			c.logger = zap.NewNop()
		} else {
			c.logger = logger
		}
	}
}

// NewClient creates a client from options. The connection is not
// established until Connect is called.
func NewClient(opts *ClientOptions, logger ...*zap.Logger) (*Client, error) {
	pahoOpts, err := convertToPahoOptions(opts)
	if err != nil {
		return nil, err
	}
	setDefaultOptions(pahoOpts)

	c := &Client{
		opts: pahoOpts,
		subs: make(map[string]byte),
	}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	c.init()
	return c, nil
}

// AddListener registers a listener for transport events. Listeners should
// be registered before Connect.
func (c *Client) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Connect establishes the connection to the broker. Failure of the initial
// connect is returned to the caller; connectivity loss afterwards is
// handled by the transport's own reconnection loop.
func (c *Client) Connect() error {
	c.opts.SetOnConnectHandler(c.onConnect)
	c.opts.SetConnectionLostHandler(c.onConnectionLost)
	c.opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker")
	})

	c.client = mqtt.NewClient(c.opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("broker connection error: %w", token.Error())
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Subscribe registers interest in one or more full topic strings at QoS 0.
func (c *Client) Subscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if c.client == nil {
		c.notifyError("subscribe", ErrNotConnected)
		return ErrNotConnected
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = DefaultQoS
	}

	token := c.client.SubscribeMultiple(filters, c.dispatchMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("Subscribe error", zap.Error(err), zap.Int("topics", len(topics)))
		c.notifyError("subscribe", err)
		return fmt.Errorf("subscribe error: %w", err)
	}

	c.mu.Lock()
	for t, qos := range filters {
		c.subs[t] = qos
	}
	c.mu.Unlock()

	c.logger.Debug("Subscribed to topics", zap.Int("count", len(topics)))
	return nil
}

// Unsubscribe removes interest in the given topics. Local bookkeeping is
// cleared regardless of whether the broker exchange succeeds; the broker
// side is best-effort.
func (c *Client) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	token := c.client.Unsubscribe(topics...)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Warn("Unsubscribe error", zap.Error(err))
		c.notifyError("unsubscribe", err)
		return fmt.Errorf("unsubscribe error: %w", err)
	}
	return nil
}

// Publish sends a message to the given topic at QoS 0. It fails fast with
// ErrNotConnected when the connection is down.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		c.notifyError("publish", ErrNotConnected)
		return ErrNotConnected
	}

	token := c.client.Publish(topic, DefaultQoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("Publish error", zap.Error(err), zap.String("topic", topic))
		c.notifyError("publish", err)
		return fmt.Errorf("publish error: %w", err)
	}
	c.logger.Debug("Message published", zap.String("topic", topic))
	return nil
}

// Disconnect closes the connection to the broker.
func (c *Client) Disconnect() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
	c.logger.Info("Disconnected from MQTT broker")
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	reconnect := c.wasOnline
	c.wasOnline = true
	subs := make(map[string]byte, len(c.subs))
	for t, qos := range c.subs {
		subs[t] = qos
	}
	c.mu.Unlock()

	c.logger.Info("Connected to MQTT broker", zap.Bool("reconnect", reconnect))

	// Restore subscriptions lost with the previous session.
	if reconnect && len(subs) > 0 {
		token := client.SubscribeMultiple(subs, c.dispatchMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("Resubscribe after reconnect failed", zap.Error(err))
			c.notifyError("subscribe", err)
		}
	}

	for _, l := range c.snapshotListeners() {
		l.OnConnect(reconnect)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost", zap.Error(err))
	for _, l := range c.snapshotListeners() {
		l.OnOffline(err)
	}
}

func (c *Client) dispatchMessage(_ mqtt.Client, msg mqtt.Message) {
	for _, l := range c.snapshotListeners() {
		l.OnMessage(msg.Topic(), msg.Payload())
	}
}

func (c *Client) notifyError(op string, err error) {
	for _, l := range c.snapshotListeners() {
		l.OnError(op, err)
	}
}

func (c *Client) snapshotListeners() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listeners
}
