// Package eventbus fans runtime events out to local observers such as the
// attach dashboard and IPC subscribers.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	GatewayState    = "gateway.state"
	PluginsReloaded = "plugins.reloaded"
	MessageHandled  = "message.handled"
	LogEntry        = "log.entry"
)

const subscriberBuffer = 64

// Event is one published event. Data holds the JSON encoding of the payload.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Bus is a non-blocking pub/sub bus. A subscriber that falls behind loses
// events rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]map[string]struct{} // nil filter receives everything
	closed bool
	now    func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]map[string]struct{}),
		now:  time.Now,
	}
}

// Subscribe returns a buffered channel receiving the given event types, or
// every event when none are given. Subscribing to a closed bus returns a
// closed channel.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, subscriberBuffer)

	var filter map[string]struct{}
	if len(types) > 0 {
		filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil {
			if _, ok := filter[e.Type]; !ok {
				continue
			}
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit encodes data and publishes it under eventType. Payloads that fail to
// encode are published without data.
func (b *Bus) Emit(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw = marshal(data)
	}
	b.Publish(Event{Type: eventType, Data: raw})
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
