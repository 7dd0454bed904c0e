// Package emitter publishes feeder events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/itohio/gofeeder/internal/log"
	"github.com/itohio/gofeeder/pkg/config"
	"github.com/itohio/gofeeder/pkg/feeder"
	"github.com/itohio/gofeeder/pkg/presence"
)

// ErrNotConnected is returned by Publish before Connect succeeded.
var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	queueSize      = 32
)

// Payload is the JSON body of an event message.
type Payload struct {
	ID     string   `json:"id"`
	Time   string   `json:"time"`
	Event  string   `json:"event"`
	Weight *float64 `json:"weight,omitempty"`
	Source string   `json:"source,omitempty"`
	Photo  string   `json:"photo,omitempty"`
}

// NewPayload converts a record to its message body.
func NewPayload(r feeder.Record) Payload {
	p := Payload{
		ID:    r.ID,
		Time:  r.Time.UTC().Format(time.RFC3339Nano),
		Event: r.Event.Kind.String(),
		Photo: r.Photo,
	}
	if r.Event.Kind == presence.Landed {
		p.Weight = r.Event.Weight
		p.Source = r.Event.Source.String()
	}
	return p
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64 // Count per topic
	Errors    uint64
}

// MQTT publishes records to <topic>/<event>. Handler only queues records;
// a goroutine started by Connect publishes them.
type MQTT struct {
	cfg config.MQTTConfig
	log *slog.Logger

	client         mqtt.Client
	newClient      func(*mqtt.ClientOptions) mqtt.Client
	publishTimeout time.Duration
	queue          chan feeder.Record

	runMu sync.Mutex // Guards stop and done
	stop  chan struct{}
	done  chan struct{}

	mu        sync.RWMutex // Guards client, connected and the counters
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTT creates an emitter. It does not connect.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTT {
	return &MQTT{
		cfg:            cfg,
		log:            log.OrDefault(logger).With("component", "mqtt", "broker", cfg.Broker),
		newClient:      mqtt.NewClient,
		publishTimeout: publishTimeout,
		queue:          make(chan feeder.Record, queueSize),
		published:      make(map[string]uint64),
	}
}

// Connect establishes the broker connection, retrying the initial attempt.
// The client reconnects on its own afterwards.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established", "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	client := e.newClient(opts)

	e.log.Info("connecting to mqtt broker")

	err := retry.Do(
		func() error {
			token := client.Connect()
			if !token.WaitTimeout(connectTimeout) {
				return fmt.Errorf("mqtt connection timeout")
			}
			return token.Error()
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.log.Debug("retrying mqtt connect", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.start(client)
	return nil
}

// start adopts a connected client and launches the publisher goroutine.
func (e *MQTT) start(client mqtt.Client) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	e.client = client
	e.connected = true
	e.mu.Unlock()

	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.drain(e.stop, e.done)
}

func (e *MQTT) drain(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case r := <-e.queue:
			select {
			case <-stop:
				return
			default:
			}
			if err := e.Publish(r); err != nil {
				e.log.Warn("failed to publish event", "event", r.Event.Kind, "error", err)
			}
		}
	}
}

// Publish sends one record as JSON.
func (e *MQTT) Publish(r feeder.Record) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(NewPayload(r))
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()

	topic := e.Topic(r.Event.Kind)
	token := client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(e.publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

// Handler returns a feeder event handler that queues records for
// publishing. When the queue is full the record is dropped and counted as
// an error. Publish failures are logged.
func (e *MQTT) Handler() feeder.Handler {
	return func(r feeder.Record) {
		select {
		case e.queue <- r:
		default:
			e.countError()
			e.log.Warn("mqtt queue full, dropping event", "event", r.Event.Kind)
		}
	}
}

// Topic returns the topic events of kind k are published to.
func (e *MQTT) Topic(k presence.Kind) string {
	return strings.TrimSuffix(e.cfg.Topic, "/") + "/" + k.String()
}

// Disconnect stops the publisher goroutine and closes the broker
// connection. Records still queued are discarded.
func (e *MQTT) Disconnect() error {
	e.runMu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.runMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		e.log.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics.
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
