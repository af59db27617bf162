package core

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// Submitter is the part of the pool the dispatcher needs.
type Submitter interface {
	Submit(spec api.JobSpec) (*Future, error)
	Accepting() bool
}

// Dispatcher hands a run's job specs to the pool in manifest order.
type Dispatcher struct {
	pool Submitter
	log  zerolog.Logger
}

func NewDispatcher(pool Submitter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{pool: pool, log: logger.With().Str("component", "dispatcher").Logger()}
}

// DispatchAll submits every spec without waiting for any of them to run.
// The returned futures are in the same order as specs. Specs are checked
// up front so a bad one never leaves the run half submitted.
func (d *Dispatcher) DispatchAll(specs []api.JobSpec) ([]*Future, error) {
	if err := validateSpecs(specs); err != nil {
		return nil, err
	}
	if len(specs) > 0 && !d.pool.Accepting() {
		return nil, ErrPoolClosed
	}

	futures := make([]*Future, 0, len(specs))
	for _, spec := range specs {
		f, err := d.pool.Submit(spec)
		if err != nil {
			return futures, fmt.Errorf("submit batch %d: %w", spec.BatchNumber, err)
		}
		d.log.Debug().Int("batch", spec.BatchNumber).Msg("batch submitted")
		futures = append(futures, f)
	}
	return futures, nil
}

func validateSpecs(specs []api.JobSpec) error {
	seen := make(map[int]struct{}, len(specs))
	var errs []error
	for i, spec := range specs {
		switch {
		case spec.Program == "":
			errs = append(errs, fmt.Errorf("job %d: empty program", i))
		case spec.BatchNumber < 1:
			errs = append(errs, fmt.Errorf("job %d: invalid batch number %d", i, spec.BatchNumber))
		}
		if _, dup := seen[spec.BatchNumber]; dup {
			errs = append(errs, fmt.Errorf("job %d: duplicate batch number %d", i, spec.BatchNumber))
		}
		seen[spec.BatchNumber] = struct{}{}
	}
	return errors.Join(errs...)
}
