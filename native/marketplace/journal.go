package marketplace

import (
	"context"
	"errors"
	"fmt"
)

type undoStep struct {
	name string
	fn   func(context.Context) error
}

// journal records compensating actions for the effects an operation has
// already applied. On failure the steps run in reverse order.
type journal struct {
	steps []undoStep
}

func (j *journal) record(name string, fn func(context.Context) error) {
	j.steps = append(j.steps, undoStep{name: name, fn: fn})
}

// rollback runs every compensation even when an earlier one fails and joins
// the failures. Compensations ignore cancellation of the caller's context.
func (j *journal) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		step := j.steps[i]
		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	j.steps = nil
	return errors.Join(errs...)
}
