// Package registry holds the set of processors that map an inbound
// broker destination to the work it triggers and the destinations its
// status transitions are published to.
package registry

import (
	"fmt"

	"github.com/neutrons/post-processing-agent/pkg/types"
)

// PublishFunc sends msg to destination. Implementations are expected
// to be provided by the session manager and to serialize concurrent
// sends.
type PublishFunc func(destination string, msg types.Message) error

// SpawnFunc is invoked the moment a processor spawns a worker
// subprocess, so the caller can register it with the admission
// controller before the processor's Handle call returns.
type SpawnFunc func(pid int, instrument string, msg types.Message)

// Processor is one registered message-type handler.
type Processor interface {
	// InputDestination is the broker destination this processor
	// subscribes to.
	InputDestination() string
	// Handle processes one inbound job message, publishing status
	// transitions via publish as it produces them. A returned error
	// indicates a failure the caller should route to the agent-wide
	// error destination rather than any transition this processor
	// itself publishes.
	Handle(msg types.Message, publish PublishFunc, onSpawn SpawnFunc) error
}

// Registry is an immutable-after-construction set of processors keyed
// by their input destination.
type Registry struct {
	byDestination map[string]Processor
}

// New builds a Registry from processors, which must have distinct
// InputDestination values.
func New(processors ...Processor) (*Registry, error) {
	r := &Registry{byDestination: make(map[string]Processor, len(processors))}
	for _, p := range processors {
		dest := p.InputDestination()
		if _, exists := r.byDestination[dest]; exists {
			return nil, fmt.Errorf("duplicate processor registered for destination %q", dest)
		}
		r.byDestination[dest] = p
	}
	return r, nil
}

// Lookup resolves the processor registered for destination, if any.
func (r *Registry) Lookup(destination string) (Processor, bool) {
	p, ok := r.byDestination[destination]
	return p, ok
}

// Subscriptions returns every registered input destination, suitable
// for the session manager to subscribe to (the ping destination is
// added separately, since it has no processor of its own).
func (r *Registry) Subscriptions() []string {
	out := make([]string, 0, len(r.byDestination))
	for dest := range r.byDestination {
		out = append(out, dest)
	}
	return out
}
