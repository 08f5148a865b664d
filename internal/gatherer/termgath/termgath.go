package termgath

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/programme-lv/referee/api"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	skipColor = color.New(color.FgYellow)
	headColor = color.New(color.Bold)
)

// TerminalGatherer prints pipeline progress for a person watching a run.
type TerminalGatherer struct {
	StartedAt time.Time

	mu sync.Mutex
	w  io.Writer
}

func New() *TerminalGatherer { return NewWriter(os.Stdout) }

func NewWriter(w io.Writer) *TerminalGatherer {
	return &TerminalGatherer{StartedAt: time.Now(), w: w}
}

func (t *TerminalGatherer) StartPhase(msg api.StartPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	headColor.Fprintf(t.w, "== %s phase started ==\n", msg.Phase)
	fmt.Fprintf(t.w, "run %s, %d elements\n", msg.RunID, len(msg.Elements))
}

func (t *TerminalGatherer) FinishElement(msg api.FinishElement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case msg.Error != nil:
		failColor.Fprintf(t.w, "<- %s/%s failed: %s\n", msg.Phase, msg.Element, *msg.Error)
	case msg.Value != nil && msg.Cached:
		okColor.Fprintf(t.w, "<- %s/%s = %g (cached)\n", msg.Phase, msg.Element, *msg.Value)
	case msg.Value != nil:
		okColor.Fprintf(t.w, "<- %s/%s = %g\n", msg.Phase, msg.Element, *msg.Value)
	default:
		fmt.Fprintf(t.w, "<- %s/%s finished\n", msg.Phase, msg.Element)
	}
}

func (t *TerminalGatherer) SkipPhase(msg api.SkipPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	skipColor.Fprintf(t.w, "== %s phase skipped: %s ==\n", msg.Phase, msg.Reason)
}

func (t *TerminalGatherer) FinishPhase(msg api.FinishPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := okColor
	if msg.Status != "SUCCESS" {
		c = failColor
	}
	dur := time.Since(t.StartedAt).Round(time.Millisecond)
	c.Fprintf(t.w, "== %s phase %s after %s: %d ok, %d failed, %d skipped ==\n",
		msg.Phase, msg.Status, dur, msg.Succeeded, msg.Failed, msg.Skipped)
}
