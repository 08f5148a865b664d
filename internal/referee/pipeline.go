package referee

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/programme-lv/referee/api"
	"github.com/programme-lv/referee/internal/gate"
	"github.com/programme-lv/referee/internal/gatherer"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/records"
	"github.com/programme-lv/referee/internal/taskgraph"
)

type Phase string

const (
	PhasePublic  Phase = "public"
	PhasePrivate Phase = "private"
)

// GateNode joins the public phase's outcome into the private phase's
// run condition.
const GateNode = "gate"

func CreateNode(p Phase) string { return string(p) + "/create" }

func ElementNode(p Phase, name string) string { return string(p) + "/element/" + name }

func CollectNode(p Phase) string { return string(p) + "/collect" }

func FinalizeNode(p Phase) string { return string(p) + "/finalize" }

// PhaseSummary is produced by a phase's collect node. It lists what happened
// to each element task; it does not decide the phase's outcome.
type PhaseSummary struct {
	Phase     Phase              `json:"phase"`
	RunID     uuid.UUID          `json:"run_id"`
	Tasks     []string           `json:"tasks"`
	Succeeded []string           `json:"succeeded"`
	Failed    []string           `json:"failed"`
	Skipped   []string           `json:"skipped"`
	Values    map[string]float64 `json:"values"`
}

// Pipeline builds the task graph that evaluates a submission: the public
// partition first, then the private one behind a gate on the public run's
// finalize result.
type Pipeline struct {
	store records.Store
	runs  *RunController
	eval  *Evaluator
	gath  gatherer.Gatherer
}

func NewPipeline(store records.Store, runs *RunController, eval *Evaluator, gath gatherer.Gatherer) *Pipeline {
	if gath == nil {
		gath = gatherer.Nop()
	}
	return &Pipeline{store: store, runs: runs, eval: eval, gath: gath}
}

// phase describes one partition's nodes. runOf yields the run the element
// nodes work in; deps are the nodes runOf reads.
type phase struct {
	name         Phase
	isPublic     bool
	submissionID uuid.UUID
	elems        []records.InputElement
	runOf        func(in taskgraph.Inputs) (uuid.UUID, error)
	deps         []string
}

// Build reads the submission's elements and returns the full two-phase
// graph. Nothing is written and nothing runs until the graph is executed.
func (p *Pipeline) Build(ctx context.Context, submissionID uuid.UUID) (*taskgraph.Graph, error) {
	sub, err := p.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	pub, err := p.store.ListInputElements(ctx, sub.ChallengeID, true)
	if err != nil {
		return nil, err
	}
	priv, err := p.store.ListInputElements(ctx, sub.ChallengeID, false)
	if err != nil {
		return nil, err
	}

	g := taskgraph.New()

	g.MustAdd(CreateNode(PhasePublic), p.createFn(submissionID, PhasePublic, pub, func(taskgraph.Inputs) gate.Cond {
		return gate.Ready(true)
	}))
	err = p.addPhase(g, phase{
		name:         PhasePublic,
		isPublic:     true,
		submissionID: submissionID,
		elems:        pub,
		runOf:        createdRun(PhasePublic),
		deps:         []string{CreateNode(PhasePublic)},
	})
	if err != nil {
		return nil, err
	}

	g.MustAdd(GateNode, func(_ context.Context, in taskgraph.Inputs) (any, error) {
		runID, createErr := taskgraph.Value[uuid.UUID](in, CreateNode(PhasePublic))
		finalized, finErr := taskgraph.Value[bool](in, FinalizeNode(PhasePublic))
		return gate.Decide(runID, finalized, errors.Join(createErr, finErr)), nil
	}, CreateNode(PhasePublic), FinalizeNode(PhasePublic))

	if err := p.addPrivatePhase(g, submissionID, priv); err != nil {
		return nil, err
	}
	return g, nil
}

// addPrivatePhase adds the private create node behind GateNode, followed by
// the private phase.
func (p *Pipeline) addPrivatePhase(g *taskgraph.Graph, submissionID uuid.UUID, priv []records.InputElement) error {
	g.MustAdd(CreateNode(PhasePrivate), p.createFn(submissionID, PhasePrivate, priv, func(in taskgraph.Inputs) gate.Cond {
		cond, err := taskgraph.Value[gate.Cond](in, GateNode)
		if err != nil {
			return gate.Ready(false)
		}
		return cond
	}), GateNode)
	return p.addPhase(g, phase{
		name:         PhasePrivate,
		isPublic:     false,
		submissionID: submissionID,
		elems:        priv,
		runOf:        createdRun(PhasePrivate),
		deps:         []string{CreateNode(PhasePrivate)},
	})
}

// Rebuild returns the element, collect and finalize nodes of an existing
// run, so an interrupted run can be resumed. Elements already in the result
// cache finish without executing. A public run whose submission has no
// private run yet is followed by the gate and the private phase, as in Build.
func (p *Pipeline) Rebuild(ctx context.Context, runID uuid.UUID) (*taskgraph.Graph, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	sub, err := p.store.GetSubmission(ctx, run.SubmissionID)
	if err != nil {
		return nil, err
	}
	elems, err := p.store.ListInputElements(ctx, sub.ChallengeID, run.IsPublic)
	if err != nil {
		return nil, err
	}

	name := PhasePrivate
	if run.IsPublic {
		name = PhasePublic
	}
	g := taskgraph.New()
	err = p.addPhase(g, phase{
		name:         name,
		isPublic:     run.IsPublic,
		submissionID: sub.ID,
		elems:        elems,
		runOf:        func(taskgraph.Inputs) (uuid.UUID, error) { return runID, nil },
	})
	if err != nil {
		return nil, err
	}
	if !run.IsPublic {
		return g, nil
	}

	runs, err := p.store.ListRuns(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if !r.IsPublic {
			return g, nil
		}
	}
	priv, err := p.store.ListInputElements(ctx, sub.ChallengeID, false)
	if err != nil {
		return nil, err
	}
	g.MustAdd(GateNode, func(_ context.Context, in taskgraph.Inputs) (any, error) {
		finalized, err := taskgraph.Value[bool](in, FinalizeNode(PhasePublic))
		return gate.Decide(runID, finalized, err), nil
	}, FinalizeNode(PhasePublic))
	if err := p.addPrivatePhase(g, sub.ID, priv); err != nil {
		return nil, err
	}
	return g, nil
}

// createdRun reads the run id from a phase's create node. A closed gate or
// a failed create leaves nothing to do downstream.
func createdRun(ph Phase) func(in taskgraph.Inputs) (uuid.UUID, error) {
	return func(in taskgraph.Inputs) (uuid.UUID, error) {
		runID, err := taskgraph.Value[uuid.UUID](in, CreateNode(ph))
		if err != nil || runID == NoRun {
			return NoRun, taskgraph.ErrSkipped
		}
		return runID, nil
	}
}

func (p *Pipeline) createFn(submissionID uuid.UUID, ph Phase, elems []records.InputElement,
	condOf func(in taskgraph.Inputs) gate.Cond) taskgraph.Func {

	names := make([]string, 0, len(elems))
	for _, e := range elems {
		names = append(names, e.Name)
	}
	return func(ctx context.Context, in taskgraph.Inputs) (any, error) {
		ctx = logger.With(ctx, "submission_id", submissionID, "phase", ph)
		cond := condOf(in)
		runID, err := p.runs.Create(ctx, submissionID, cond, ph == PhasePublic)
		if err != nil {
			return nil, err
		}
		if runID == NoRun {
			logger.FromContext(ctx).Info("phase skipped", "cond", cond)
			p.gath.SkipPhase(api.NewSkipPhase(submissionID.String(), string(ph),
				fmt.Sprintf("gate is %s", cond)))
			return nil, taskgraph.ErrSkipped
		}
		p.gath.StartPhase(api.NewStartPhase(submissionID.String(), string(ph), runID.String(), names))
		return runID, nil
	}
}

func (p *Pipeline) addPhase(g *taskgraph.Graph, ph phase) error {
	elementNodes := make([]string, 0, len(ph.elems))
	for _, el := range ph.elems {
		id := ElementNode(ph.name, el.Name)
		if err := g.Add(id, p.elementFn(ph, el), ph.deps...); err != nil {
			return fmt.Errorf("element names must be unique within a partition: %w", err)
		}
		elementNodes = append(elementNodes, id)
	}

	collectDeps := append(append([]string{}, ph.deps...), elementNodes...)
	g.MustAdd(CollectNode(ph.name), func(_ context.Context, in taskgraph.Inputs) (any, error) {
		runID, _ := ph.runOf(in)
		return collect(ph, runID, elementNodes, in), nil
	}, collectDeps...)

	finalizeDeps := append(append([]string{}, ph.deps...), CollectNode(ph.name))
	g.MustAdd(FinalizeNode(ph.name), func(ctx context.Context, in taskgraph.Inputs) (any, error) {
		runID, err := ph.runOf(in)
		if err != nil {
			return false, err
		}
		ctx = logger.With(ctx, "submission_id", ph.submissionID, "phase", ph.name)
		ok, err := p.runs.Finalize(ctx, runID)
		if err != nil {
			return false, err
		}

		status := records.RunFailure
		if ok {
			status = records.RunSuccess
		}
		sum, _ := taskgraph.Value[PhaseSummary](in, CollectNode(ph.name))
		p.gath.FinishPhase(api.NewFinishPhase(ph.submissionID.String(), string(ph.name), runID.String(),
			string(status), len(sum.Succeeded), len(sum.Failed), len(sum.Skipped)))
		return ok, nil
	}, finalizeDeps...)
	return nil
}

func (p *Pipeline) elementFn(ph phase, el records.InputElement) taskgraph.Func {
	return func(ctx context.Context, in taskgraph.Inputs) (any, error) {
		runID, err := ph.runOf(in)
		if err != nil {
			return nil, err
		}
		res, err := p.eval.Evaluate(ctx, ph.submissionID, el.ID, runID, ph.isPublic)

		var value *float64
		var errMsg *string
		if err != nil {
			msg := err.Error()
			errMsg = &msg
		} else {
			value = &res.Value
		}
		p.gath.FinishElement(api.NewFinishElement(ph.submissionID.String(), string(ph.name), runID.String(),
			el.Name, value, res.Cached, errMsg))

		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func collect(ph phase, runID uuid.UUID, elementNodes []string, in taskgraph.Inputs) PhaseSummary {
	sum := PhaseSummary{
		Phase:     ph.name,
		RunID:     runID,
		Tasks:     elementNodes,
		Succeeded: []string{},
		Failed:    []string{},
		Skipped:   []string{},
		Values:    map[string]float64{},
	}
	for _, id := range elementNodes {
		o := in[id]
		switch {
		case o.Skipped():
			sum.Skipped = append(sum.Skipped, id)
		case o.Succeeded():
			sum.Succeeded = append(sum.Succeeded, id)
			if res, ok := o.Value.(ElementResult); ok {
				sum.Values[res.Element] = res.Value
			}
		default:
			sum.Failed = append(sum.Failed, id)
		}
	}
	return sum
}
