package output

import (
	"errors"

	"github.com/tkjaer/mtrng/internal/shared"
)

// Output interface for different output types
type Output interface {
	// Update is called with a fresh snapshot after hop state changed.
	Update(snap *shared.Snapshot)
	// CompleteRound is called once per finished round.
	CompleteRound(snap *shared.Snapshot)
	// Complete is called once with the final snapshot when the session ends.
	Complete(snap *shared.Snapshot)
	Close() error
}

// OutputManager manages multiple outputs
type OutputManager struct {
	outputs []Output
}

func (om *OutputManager) Register(o Output) {
	om.outputs = append(om.outputs, o)
}

func (om *OutputManager) Len() int { return len(om.outputs) }

func (om *OutputManager) Update(snap *shared.Snapshot) {
	for _, o := range om.outputs {
		o.Update(snap)
	}
}

func (om *OutputManager) CompleteRound(snap *shared.Snapshot) {
	for _, o := range om.outputs {
		o.CompleteRound(snap)
	}
}

func (om *OutputManager) Complete(snap *shared.Snapshot) {
	for _, o := range om.outputs {
		o.Complete(snap)
	}
}

// Close closes every output and returns the joined errors.
func (om *OutputManager) Close() error {
	var errs []error
	for _, o := range om.outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
