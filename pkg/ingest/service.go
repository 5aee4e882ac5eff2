// Package ingest implements the MQTT ingestion and device-liveness service:
// it subscribes to every registered device's capability topics, persists
// inbound telemetry, infers device connectivity from telemetry recency, and
// republishes commands to devices.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smartcampus/telemetryd/pkg/metrics"
	"github.com/smartcampus/telemetryd/pkg/mqtt"
	"github.com/smartcampus/telemetryd/pkg/store"
	"github.com/smartcampus/telemetryd/pkg/topic"
)

// Transport is the broker surface the service drives. *mqtt.Client
// satisfies it; tests substitute a fake.
type Transport interface {
	Connect() error
	Subscribe(topics ...string) error
	Unsubscribe(topics ...string) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
	AddListener(l mqtt.Listener)
}

// State is the service lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "not_started"
	}
}

// Options are the service tunables. Zero values select the defaults.
type Options struct {
	// ReloadInterval is the period of the routing-table rebuild. Default 60s.
	ReloadInterval time.Duration
	// StatusCheckInterval is the period of the liveness check. Default 60s.
	StatusCheckInterval time.Duration
	// OfflineAfter is how long a device may stay silent before it is
	// considered offline. Default 5m.
	OfflineAfter time.Duration
	// EventBuffer is the capacity of the telemetry and error event
	// channels. Default 100.
	EventBuffer int
}

func (o *Options) setDefaults() {
	if o.ReloadInterval <= 0 {
		o.ReloadInterval = time.Minute
	}
	if o.StatusCheckInterval <= 0 {
		o.StatusCheckInterval = time.Minute
	}
	if o.OfflineAfter <= 0 {
		o.OfflineAfter = 5 * time.Minute
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 100
	}
}

// TelemetryEvent is emitted for every persisted inbound message, for
// in-process listeners.
type TelemetryEvent struct {
	DeviceID   string
	Capability topic.Capability
	Topic      string
	Data       json.RawMessage
}

type route struct {
	deviceID   string
	capability topic.Capability
}

// routingTable maps full wire topics to device/capability pairs. It is
// rebuilt from scratch on every reload and swapped atomically; it is never
// patched in place, so readers see either the old or the new table, never
// a partial one.
type routingTable map[string]route

// Service is the ingestion orchestrator. One Service runs per broker
// connection; it owns all mutable routing state.
type Service struct {
	store  store.Store
	client Transport
	logger *zap.Logger
	opts   Options

	routes atomic.Pointer[routingTable]

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan TelemetryEvent
	errs   chan error

	now func() time.Time
}

// NewService wires the service to its persistence and transport. The
// service registers itself as a transport listener; it does not connect
// until Start.
func NewService(st store.Store, client Transport, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()

	s := &Service{
		store:  st,
		client: client,
		logger: logger,
		opts:   opts,
		events: make(chan TelemetryEvent, opts.EventBuffer),
		errs:   make(chan error, opts.EventBuffer),
		now:    time.Now,
	}
	empty := make(routingTable)
	s.routes.Store(&empty)
	client.AddListener(s)
	return s
}

// Telemetry returns the channel of persisted-telemetry events. Events are
// dropped with a warning when no consumer keeps up.
func (s *Service) Telemetry() <-chan TelemetryEvent {
	return s.events
}

// Errors returns the channel of operational errors, for passive listeners.
// Every error is also logged; consuming the channel is optional.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the underlying broker connection is up.
func (s *Service) Connected() bool {
	return s.client.IsConnected()
}

// Start connects to the broker, runs one synchronous load-and-subscribe
// pass, and schedules the periodic reload and liveness checks. Calling
// Start while the service is running is a no-op. ctx bounds startup work
// only; the periodic tasks run until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		s.logger.Debug("Ingestion service already running")
		return nil
	}
	prev := s.state
	runCtx, cancel := context.WithCancel(context.Background())
	s.state = StateRunning
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.client.Connect(); err != nil {
		cancel()
		s.mu.Lock()
		s.state = prev
		s.cancel = nil
		s.mu.Unlock()
		return fmt.Errorf("starting ingestion: %w", err)
	}

	// Initial pass is synchronous; a failure here is logged, not fatal —
	// the schedule retries on the next tick.
	if err := s.loadAndSubscribe(ctx); err != nil {
		s.reportError("load", err)
	}

	// Two independent timers, same period, deliberately unsynchronized.
	// Each pass is self-contained and idempotent, so overlap is safe.
	s.wg.Add(2)
	go s.runEvery(runCtx, s.opts.ReloadInterval, "load", s.loadAndSubscribe)
	go s.runEvery(runCtx, s.opts.StatusCheckInterval, "status-check", s.checkDeviceStatuses)

	s.logger.Info("Ingestion service started",
		zap.Duration("reloadInterval", s.opts.ReloadInterval),
		zap.Duration("statusCheckInterval", s.opts.StatusCheckInterval))
	return nil
}

// Stop cancels the periodic tasks, waits for in-flight iterations to
// complete, and disconnects from the broker. It is safe to call in any
// state and is a no-op unless the service is running.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.client.Disconnect()
	s.logger.Info("Ingestion service stopped")
}

func (s *Service) runEvery(ctx context.Context, interval time.Duration, op string, fn func(context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				// The schedule keeps running; the next tick retries.
				s.reportError(op, err)
			}
		}
	}
}

// loadAndSubscribe rebuilds the routing table from the device registry and
// subscribes to every computed topic. The swap happens only after the new
// table is fully built and the subscribe exchange succeeded; on any error
// the previous table stays in effect.
func (s *Service) loadAndSubscribe(ctx context.Context) error {
	started := s.now()

	devices, err := s.store.Devices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	next := make(routingTable)
	topics := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.BaseTopic == "" {
			s.logger.Warn("Device has no base topic, skipping",
				zap.String("device", d.ID), zap.String("name", d.Name))
			continue
		}
		for _, c := range d.Capabilities {
			if !topic.Valid(c) {
				s.logger.Warn("Device declares unknown capability, skipping",
					zap.String("device", d.ID), zap.String("capability", string(c)))
				continue
			}
			full := topic.FullTopic(d.BaseTopic, c)
			next[full] = route{deviceID: d.ID, capability: c}
			topics = append(topics, full)
		}
	}

	// Resubscribing to unchanged topics is accepted: the broker-side
	// subscribe is idempotent and the interval is long.
	if err := s.client.Subscribe(topics...); err != nil {
		return fmt.Errorf("subscribing to device topics: %w", err)
	}

	s.routes.Store(&next)

	metrics.RoutingTableTopics.Set(float64(len(next)))
	metrics.ReloadDuration.Observe(s.now().Sub(started).Seconds())
	s.logger.Debug("Routing table rebuilt",
		zap.Int("devices", len(devices)), zap.Int("topics", len(next)))
	return nil
}

// checkDeviceStatuses infers connectivity from telemetry recency. It is
// the sole writer of OFFLINE and UNKNOWN; ONLINE is additionally set
// eagerly on message receipt.
func (s *Service) checkDeviceStatuses(ctx context.Context) error {
	devices, err := s.store.Devices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	threshold := s.now().Add(-s.opts.OfflineAfter)

	for _, d := range devices {
		latest, err := s.store.LatestTelemetry(ctx, d.ID)
		if err != nil {
			s.reportError("status-check", fmt.Errorf("latest telemetry for %s: %w", d.ID, err))
			continue
		}

		var next store.DeviceStatus
		switch {
		case latest == nil:
			next = store.StatusUnknown
		case !latest.ReceivedAt.Before(threshold):
			next = store.StatusOnline
		default:
			next = store.StatusOffline
		}

		if next == d.Status {
			continue
		}
		if err := s.store.UpdateDeviceStatus(ctx, d.ID, next); err != nil {
			s.reportError("status-check", fmt.Errorf("updating status of %s: %w", d.ID, err))
			continue
		}
		metrics.StatusTransitions.WithLabelValues(string(next)).Inc()
		s.logger.Info("Device status changed",
			zap.String("device", d.ID),
			zap.String("from", string(d.Status)),
			zap.String("to", string(next)))
	}
	return nil
}

// PublishToDeviceTopic publishes a payload on the device's topic for the
// given capability. String and []byte payloads pass through unchanged;
// anything else is JSON-encoded. Failures propagate to the caller; there
// is no retry at this layer.
func (s *Service) PublishToDeviceTopic(ctx context.Context, deviceID string, capability topic.Capability, payload any) error {
	if !topic.Valid(capability) {
		return fmt.Errorf("unknown capability %q", capability)
	}

	d, err := s.store.Device(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.BaseTopic == "" {
		return fmt.Errorf("device %s has no base topic: %w", deviceID, store.ErrDeviceNotFound)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	return s.client.Publish(topic.FullTopic(d.BaseTopic, capability), data)
}

// OnMessage implements mqtt.Listener. It dispatches every inbound message
// through the routing table: persist telemetry, mark the device online,
// emit an in-process event. Message receipt is itself a liveness signal.
func (s *Service) OnMessage(msgTopic string, payload []byte) {
	routes := *s.routes.Load()
	r, ok := routes[msgTopic]
	if !ok {
		// Expected transient noise during topic churn.
		s.logger.Warn("Message on unmapped topic, dropping", zap.String("topic", msgTopic))
		metrics.MessagesReceived.WithLabelValues("unmapped").Inc()
		return
	}

	// Malformed payloads are preserved, wrapped as {"raw": ...}, never
	// silently lost.
	data := json.RawMessage(payload)
	if !json.Valid(payload) {
		data, _ = json.Marshal(map[string]string{"raw": string(payload)})
	}

	ctx := context.Background()
	now := s.now()

	if err := s.store.CreateTelemetry(ctx, store.Telemetry{
		DeviceID:   r.deviceID,
		Capability: r.capability,
		Data:       data,
		ReceivedAt: now,
	}); err != nil {
		metrics.MessagesReceived.WithLabelValues("error").Inc()
		s.reportError("persist", fmt.Errorf("telemetry for %s: %w", r.deviceID, err))
		return
	}

	if err := s.store.UpdateDeviceStatus(ctx, r.deviceID, store.StatusOnline); err != nil {
		metrics.MessagesReceived.WithLabelValues("error").Inc()
		s.reportError("persist", fmt.Errorf("marking %s online: %w", r.deviceID, err))
		return
	}

	metrics.MessagesReceived.WithLabelValues("ok").Inc()
	metrics.TelemetryWrites.Inc()

	select {
	case s.events <- TelemetryEvent{
		DeviceID:   r.deviceID,
		Capability: r.capability,
		Topic:      msgTopic,
		Data:       data,
	}:
	default:
		s.logger.Warn("Telemetry event channel full, dropping event",
			zap.String("device", r.deviceID))
	}
}

// OnConnect implements mqtt.Listener.
func (s *Service) OnConnect(reconnect bool) {
	s.logger.Info("Broker connection established", zap.Bool("reconnect", reconnect))
}

// OnOffline implements mqtt.Listener. Reconnection is transport-internal;
// nothing to drive here.
func (s *Service) OnOffline(err error) {
	s.logger.Warn("Broker connection lost", zap.Error(err))
}

// OnError implements mqtt.Listener.
func (s *Service) OnError(op string, err error) {
	metrics.TransportErrors.WithLabelValues(op).Inc()
	s.reportError(op, err)
}

func (s *Service) reportError(op string, err error) {
	s.logger.Error("Ingestion error", zap.String("op", op), zap.Error(err))
	select {
	case s.errs <- fmt.Errorf("%s: %w", op, err):
	default:
	}
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
