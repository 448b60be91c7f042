package reconciler

import (
	"context"
	"fmt"

	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/rs/zerolog"
)

// Step is one condition/action pair of the reconciliation chain. Steps are
// values and keep no state between cycles.
type Step struct {
	Name string

	// Corrective steps change the platform. At most one of them acts per
	// cycle; observation steps always run when they apply.
	Corrective bool

	Applies func(svc *types.TrackedServiceContext) bool
	Action  func(ctx context.Context, svc *types.TrackedServiceContext) error
}

// Chain evaluates its steps in order against a service context
type Chain struct {
	steps  []Step
	logger zerolog.Logger
}

// NewChain creates a new chain
func NewChain(steps ...Step) *Chain {
	return &Chain{
		steps:  steps,
		logger: log.WithComponent("reconciler"),
	}
}

// StepNames returns the step names in evaluation order
func (c *Chain) StepNames() []string {
	names := make([]string, 0, len(c.steps))
	for _, s := range c.steps {
		names = append(names, s.Name)
	}
	return names
}

// Run evaluates every step against svc, mutating it in place. Each step
// sees the changes made by the steps before it. The first error stops the
// cycle and is returned wrapped with the step name.
func (c *Chain) Run(ctx context.Context, svc *types.TrackedServiceContext) ([]string, error) {
	var ran []string
	corrected := false

	for _, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		if step.Corrective && corrected {
			continue
		}
		if !step.Applies(svc) {
			continue
		}

		c.logger.Debug().
			Str("service_name", svc.ServiceName).
			Str("step", step.Name).
			Msg("Running step")

		if err := step.Action(ctx, svc); err != nil {
			return ran, fmt.Errorf("step %s: %w", step.Name, err)
		}
		ran = append(ran, step.Name)
		if step.Corrective {
			corrected = true
		}
	}

	return ran, nil
}
