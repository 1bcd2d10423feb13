package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389-research/agentmesh/internal/agent"
)

// Fake is an in-memory stand-in for Client, used by orchestrator and
// processor tests that need a Publisher without a live broker. Published
// messages are always recorded locally; when the Fake is registered with a
// Broker, they are additionally routed to whichever sibling Fake's input or
// status-wildcard subscription the topic matches, emulating the broker's
// own fan-out so multi-agent scenarios can run against real Orchestrator
// and Processor instances with no network.
type Fake struct {
	mu         sync.Mutex
	published  []FakePublished
	deliveries chan agent.Delivery
	retained   map[string][]byte
	connected  bool
	broker     *Broker
}

// FakePublished records one call to Publish.
type FakePublished struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// NewFake constructs a connected Fake with the given in-flight capacity.
func NewFake(capacity int) *Fake {
	if capacity <= 0 {
		capacity = DefaultInFlightCapacity
	}
	return &Fake{
		deliveries: make(chan agent.Delivery, capacity),
		retained:   make(map[string][]byte),
		connected:  true,
	}
}

// Publish implements agent.Publisher.
func (f *Fake) Publish(_ context.Context, topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return fmt.Errorf("transport: not connected, cannot publish to %q", topic)
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	f.published = append(f.published, FakePublished{Topic: topic, Payload: cp, Retained: retained})
	if retained {
		f.retained[topic] = cp
	}
	broker := f.broker
	f.mu.Unlock()

	if broker != nil {
		broker.route(topic, cp, retained)
	}
	return nil
}

// Deliver pushes a delivery onto this fake's inbound channel, as if the
// broker had routed a published message to it.
func (f *Fake) Deliver(d agent.Delivery) {
	f.deliveries <- d
}

// Deliveries returns the channel of inbound deliveries.
func (f *Fake) Deliveries() <-chan agent.Delivery {
	return f.deliveries
}

// Published returns a snapshot of every message published so far.
func (f *Fake) Published() []FakePublished {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakePublished, len(f.published))
	copy(out, f.published)
	return out
}

// Retained returns the last retained payload published to topic, if any.
func (f *Fake) Retained(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.retained[topic]
	return v, ok
}

// SetConnected toggles the fake's connection state for tests exercising
// disconnected-publish behavior.
func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

// IsConnected reports the fake's simulated connection state.
func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Close closes the deliveries channel.
func (f *Fake) Close() {
	close(f.deliveries)
}

// Broker is an in-memory stand-in for the MQTT broker itself: it tracks
// which Fake transports are subscribed to which topic filters and, on every
// Publish from a registered Fake, delivers the message to every other
// (or the same) Fake whose filter matches, using the broker's own "+"/"#"
// wildcard rules. Orchestrator and processor scenario tests use one Broker
// per scenario to chain several real agents together with no network.
type Broker struct {
	mu   sync.Mutex
	subs []brokerSub
}

type brokerSub struct {
	filter string
	fake   *Fake
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Register subscribes fake to each of the given topic filters and binds
// fake to this broker, so its future Publish calls are routed to every
// registered subscriber (itself included, if its own filters match).
func (b *Broker) Register(fake *Fake, topicFilters ...string) {
	b.mu.Lock()
	for _, filter := range topicFilters {
		b.subs = append(b.subs, brokerSub{filter: filter, fake: fake})
	}
	b.mu.Unlock()

	fake.mu.Lock()
	fake.broker = b
	fake.mu.Unlock()
}

// route delivers one published message to every subscriber whose filter
// matches topic.
func (b *Broker) route(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	subs := make([]brokerSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if topicMatches(s.filter, topic) {
			s.fake.Deliver(agent.Delivery{Topic: topic, Retained: retained, Payload: payload})
		}
	}
}

// topicMatches reports whether an MQTT-style topic filter (which may use
// "+" for a single level and "#" for the remainder) matches topic.
func topicMatches(filter, topic string) bool {
	filterLevels := splitTopic(filter)
	topicLevels := splitTopic(topic)

	for i, fl := range filterLevels {
		if fl == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

func splitTopic(topic string) []string {
	var levels []string
	start := 0
	for i := 0; i <= len(topic); i++ {
		if i == len(topic) || topic[i] == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	return levels
}
