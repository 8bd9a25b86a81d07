// Package eventbus provides pub/sub messaging for camera state and service
// calls over an embedded NATS server.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects
const (
	SubjectStateChanged  = "codnida.state_changed"
	SubjectServiceCalled = "codnida.service_called"
	SubjectEntrySetup    = "codnida.entry.setup"
	SubjectCallService   = "codnida.call_service"
	SubjectConfigChanged = "config.changed"
)

// EventBus wraps an embedded NATS server and a client connection to it
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// Config configures the event bus
type Config struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server; -1 picks a random free port
	Port int
}

// New starts an embedded NATS server and connects to it
func New(cfg Config, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = server.RANDOM_PORT
	}
	if logger == nil {
		logger = slog.Default()
	}

	ns, err := server.NewServer(&server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("codnida"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL())
	return eb, nil
}

// ClientURL returns the NATS client URL
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Conn returns the NATS connection for direct use
func (eb *EventBus) Conn() *nats.Conn {
	return eb.conn
}

// Publish publishes data as JSON on subject
func (eb *EventBus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// SubscribeStateChanged delivers decoded state change events to handler
func (eb *EventBus) SubscribeStateChanged(handler func(StateChangedEvent)) (*nats.Subscription, error) {
	return eb.Subscribe(SubjectStateChanged, func(msg *nats.Msg) {
		var evt StateChangedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			eb.logger.Error("Failed to unmarshal message", "subject", msg.Subject, "error", err)
			return
		}
		handler(evt)
	})
}

// Respond serves request/reply on subject. The handler result is sent
// back as a Reply.
func (eb *EventBus) Respond(subject string, handler func(data []byte) error) (*nats.Subscription, error) {
	return eb.Subscribe(subject, func(msg *nats.Msg) {
		reply := Reply{OK: true}
		if err := handler(msg.Data); err != nil {
			reply = Reply{OK: false, Error: err.Error()}
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := msg.Respond(payload); err != nil {
			eb.logger.Warn("Failed to send reply", "subject", subject, "error", err)
		}
	})
}

// Request sends data as JSON and decodes the Reply
func (eb *EventBus) Request(ctx context.Context, subject string, data any) (Reply, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to marshal data: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	msg, err := eb.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return Reply{}, err
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("invalid reply: %w", err)
	}
	return reply, nil
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	for _, sub := range eb.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(eb.subs, subject)
}

// Stop drains the connection and shuts the server down
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped")
}

// HealthCheck verifies the client connection
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return eb.conn.FlushWithContext(ctx)
}

// StateChangedEvent is published when an entity's state or availability changes
type StateChangedEvent struct {
	EntityID  string    `json:"entity_id"`
	EntryID   string    `json:"entry_id"`
	Name      string    `json:"name,omitempty"`
	OldState  string    `json:"old_state,omitempty"`
	NewState  string    `json:"new_state"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceCalledEvent is published after a service ran against an entity
type ServiceCalledEvent struct {
	EntityID  string         `json:"entity_id"`
	Service   string         `json:"service"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EntrySetupEvent is published after a config entry setup attempt
type EntrySetupEvent struct {
	EntryID   string    `json:"entry_id"`
	EntityID  string    `json:"entity_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CallServiceRequest is the payload of SubjectCallService
type CallServiceRequest struct {
	EntityID string         `json:"entity_id"`
	Service  string         `json:"service"`
	Data     map[string]any `json:"data,omitempty"`
}

// Reply answers a request
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
