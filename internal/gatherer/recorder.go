package gatherer

import (
	"sync"

	"github.com/programme-lv/referee/api"
)

// Recorder keeps every event in memory. It backs tests and the CLI's
// end-of-run summary.
type Recorder struct {
	mu       sync.Mutex
	Starts   []api.StartPhase
	Elements []api.FinishElement
	Skips    []api.SkipPhase
	Finishes []api.FinishPhase
}

func (r *Recorder) StartPhase(msg api.StartPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Starts = append(r.Starts, msg)
}

func (r *Recorder) FinishElement(msg api.FinishElement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Elements = append(r.Elements, msg)
}

func (r *Recorder) SkipPhase(msg api.SkipPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skips = append(r.Skips, msg)
}

func (r *Recorder) FinishPhase(msg api.FinishPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Finishes = append(r.Finishes, msg)
}

// Snapshot returns copies of the recorded events.
func (r *Recorder) Snapshot() (starts []api.StartPhase, elems []api.FinishElement, skips []api.SkipPhase, finishes []api.FinishPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(starts, r.Starts...), append(elems, r.Elements...),
		append(skips, r.Skips...), append(finishes, r.Finishes...)
}
