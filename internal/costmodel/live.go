package costmodel

import (
	"sync/atomic"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Live holds the current Model and lets the gas estimate be refreshed
// while detectors keep evaluating.
type Live struct {
	m atomic.Pointer[Model]
}

var _ Evaluator = (*Live)(nil)

// NewLive creates a Live model seeded with m.
func NewLive(m Model) *Live {
	l := &Live{}
	l.m.Store(&m)
	return l
}

// Model returns the current snapshot.
func (l *Live) Model() Model { return *l.m.Load() }

// SetGasUSD swaps in a model with a new settlement gas estimate.
// Non-positive values are ignored.
func (l *Live) SetGasUSD(gas float64) {
	if gas <= 0 {
		return
	}
	next := l.Model().WithGasUSD(gas)
	l.m.Store(&next)
}

func (l *Live) EvaluateBinary(askA, askB, size float64, isMaker bool) domain.OpportunityAnalysis {
	return l.m.Load().EvaluateBinary(askA, askB, size, isMaker)
}

func (l *Live) EvaluateCategorical(asks []float64, size float64, isMaker bool) domain.OpportunityAnalysis {
	return l.m.Load().EvaluateCategorical(asks, size, isMaker)
}
