// Package gatherer defines the sink for pipeline progress events.
package gatherer

import "github.com/programme-lv/referee/api"

// Gatherer receives progress events as a pipeline runs. Methods are called
// concurrently from element tasks and must not block for long.
type Gatherer interface {
	StartPhase(msg api.StartPhase)
	FinishElement(msg api.FinishElement)
	SkipPhase(msg api.SkipPhase)
	FinishPhase(msg api.FinishPhase)
}

type nop struct{}

func (nop) StartPhase(api.StartPhase)       {}
func (nop) FinishElement(api.FinishElement) {}
func (nop) SkipPhase(api.SkipPhase)         {}
func (nop) FinishPhase(api.FinishPhase)     {}

// Nop discards every event.
func Nop() Gatherer { return nop{} }

type multi []Gatherer

// Multi forwards every event to each of gs in order.
func Multi(gs ...Gatherer) Gatherer {
	if len(gs) == 0 {
		return Nop()
	}
	if len(gs) == 1 {
		return gs[0]
	}
	return multi(gs)
}

func (m multi) StartPhase(msg api.StartPhase) {
	for _, g := range m {
		g.StartPhase(msg)
	}
}

func (m multi) FinishElement(msg api.FinishElement) {
	for _, g := range m {
		g.FinishElement(msg)
	}
}

func (m multi) SkipPhase(msg api.SkipPhase) {
	for _, g := range m {
		g.SkipPhase(msg)
	}
}

func (m multi) FinishPhase(msg api.FinishPhase) {
	for _, g := range m {
		g.FinishPhase(msg)
	}
}
