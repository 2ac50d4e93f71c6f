package repeater

import (
	"slices"
	"time"

	"distributed-repeater/internal/domain"
)

// Plan is the immutable configuration of one engine call: the resources to
// escalate to, the deadline and the name used in logs. Every method returns
// a modified copy.
//
//	plan := repeater.Lock(domain.ResourceCounter).Wait(10 * time.Second).Log("increment")
type Plan struct {
	resources []domain.Resource
	timeout   time.Duration
	name      string
}

// Lock starts a plan targeting resources. With no resources the engine only
// runs the optimistic phase.
func Lock(resources ...domain.Resource) Plan {
	return Plan{resources: domain.NormalizeResources(resources)}
}

// Wait sets the deadline, measured from the start of each call.
func (p Plan) Wait(timeout time.Duration) Plan {
	p.timeout = timeout
	return p
}

// Log sets the logging identity.
func (p Plan) Log(name string) Plan {
	p.name = name
	return p
}

func (p Plan) Resources() []domain.Resource { return slices.Clone(p.resources) }
func (p Plan) Timeout() time.Duration       { return p.timeout }
func (p Plan) Name() string                 { return p.name }

func (p Plan) withDefaults(timeout time.Duration) Plan {
	if p.timeout <= 0 {
		p.timeout = timeout
	}
	if p.name == "" {
		p.name = "unnamed"
	}
	return p
}
