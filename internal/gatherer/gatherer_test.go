package gatherer_test

import (
	"testing"

	"github.com/programme-lv/referee/api"
	"github.com/programme-lv/referee/internal/gatherer"
	"github.com/stretchr/testify/assert"
)

func TestMultiForwardsToAll(t *testing.T) {
	a, b := &gatherer.Recorder{}, &gatherer.Recorder{}
	g := gatherer.Multi(a, b)

	g.StartPhase(api.NewStartPhase("s", "public", "r", []string{"mol_1"}))
	g.FinishElement(api.NewFinishElement("s", "public", "r", "mol_1", nil, false, nil))
	g.SkipPhase(api.NewSkipPhase("s", "private", "gate closed"))
	g.FinishPhase(api.NewFinishPhase("s", "public", "r", "SUCCESS", 0, 1, 0))

	for _, r := range []*gatherer.Recorder{a, b} {
		starts, elems, skips, finishes := r.Snapshot()
		assert.Len(t, starts, 1)
		assert.Len(t, elems, 1)
		assert.Len(t, skips, 1)
		assert.Len(t, finishes, 1)
		assert.Equal(t, api.SkipPhaseMsg, skips[0].MsgType)
	}
}

func TestMultiOfOneIsIdentity(t *testing.T) {
	r := &gatherer.Recorder{}
	assert.Same(t, r, gatherer.Multi(r))
	assert.NotPanics(t, func() { gatherer.Multi().SkipPhase(api.SkipPhase{}) })
}
