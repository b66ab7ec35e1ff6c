// Package messaging provides the NATS fan-out bus adapter. It decouples the
// process that accepts a chat message from the process(es) serving its
// recipients: every server publishes room-targeted events to one shared
// subject and subscribes to that same subject, dispatching locally by room
// membership. Delivery is best-effort and at-least-once; handlers must
// tolerate redelivery.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChatEvents is the single shared subject carrying all room-targeted
// envelopes. Every serving process subscribes to it exactly once before
// accepting connections.
const SubjectChatEvents = "chat.events"

// Envelope is the unit published on the bus. The payload must be fully
// resolved before publish — subscribers have no access to the publishing
// request's context beyond what travels here. Origin carries the acting
// user's ID so receivers can exclude the originator for events (typing,
// offline) that should not echo back to them.
type Envelope struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}

// EnvelopeHandler is invoked once per received envelope. The bus may
// redeliver on reconnect, so handlers must be idempotent-safe.
type EnvelopeHandler func(env Envelope)

// Bus wraps the NATS connection with helper methods for the chat fan-out
// channel.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "teamline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewBus(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (b *Bus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (b *Bus) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[subject] = sub
	b.mu.Unlock()

	return nil
}

// PublishRoomEvent marshals payload and publishes it to the shared chat
// subject, addressed at the given room. origin may be empty for events that
// should reach every room member including the acting user.
func (b *Bus) PublishRoomEvent(room, event string, payload interface{}, origin string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("nats: marshal %s payload: %w", event, err)
	}

	env := Envelope{Room: room, Event: event, Payload: raw, Origin: origin}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("nats: marshal envelope: %w", err)
	}

	return b.Publish(SubjectChatEvents, data)
}

// SubscribeRoomEvents subscribes to the shared chat subject. Each process
// calls this once; the handler receives every envelope published by any
// process (including this one) and dispatches locally by room membership.
func (b *Bus) SubscribeRoomEvents(handler EnvelopeHandler) error {
	return b.Subscribe(SubjectChatEvents, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[nats] bad envelope on %s: %v", msg.Subject, err)
			return
		}
		handler(env)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bus closed")
}
