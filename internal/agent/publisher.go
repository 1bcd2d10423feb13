package agent

import "context"

// Publisher is the narrow slice of the transport the processor depends on.
// It is defined here, not imported from the transport package, so that
// agent has no dependency on transport; transport.Client satisfies this
// interface structurally.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// Delivery wraps one inbound task frame with the retained flag the
// transport observed it with. A retained delivery is silently dropped by
// step 1 of the processor: it is a replay of a previous run's task, not a
// new instruction.
type Delivery struct {
	Topic    string
	Retained bool
	Payload  []byte
}
