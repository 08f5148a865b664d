package records

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type runElemKey struct {
	run  uuid.UUID
	elem uuid.UUID
}

type predKey struct {
	eval uuid.UUID
	key  string
}

type answerKeyKey struct {
	challenge uuid.UUID
	elem      uuid.UUID
	key       string
}

// MemStore keeps every record in concurrent maps. It is used by tests and by
// the CLI when no database is configured.
type MemStore struct {
	challenges  *xsync.MapOf[uuid.UUID, Challenge]
	elements    *xsync.MapOf[uuid.UUID, InputElement]
	values      *xsync.MapOf[uuid.UUID, InputValue] // by element id
	answerKeys  *xsync.MapOf[answerKeyKey, AnswerKey]
	submissions *xsync.MapOf[uuid.UUID, Submission]
	runs        *xsync.MapOf[uuid.UUID, SubmissionRun]
	evals       *xsync.MapOf[uuid.UUID, Evaluation]
	evalByPair  *xsync.MapOf[runElemKey, uuid.UUID]
	floats      *xsync.MapOf[uuid.UUID, FloatValue]
	predictions *xsync.MapOf[predKey, Prediction]
}

func NewMemStore() *MemStore {
	return &MemStore{
		challenges:  xsync.NewMapOf[uuid.UUID, Challenge](),
		elements:    xsync.NewMapOf[uuid.UUID, InputElement](),
		values:      xsync.NewMapOf[uuid.UUID, InputValue](),
		answerKeys:  xsync.NewMapOf[answerKeyKey, AnswerKey](),
		submissions: xsync.NewMapOf[uuid.UUID, Submission](),
		runs:        xsync.NewMapOf[uuid.UUID, SubmissionRun](),
		evals:       xsync.NewMapOf[uuid.UUID, Evaluation](),
		evalByPair:  xsync.NewMapOf[runElemKey, uuid.UUID](),
		floats:      xsync.NewMapOf[uuid.UUID, FloatValue](),
		predictions: xsync.NewMapOf[predKey, Prediction](),
	}
}

func notFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

func conflict(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrConflict)
}

func (m *MemStore) CreateChallenge(_ context.Context, c Challenge) error {
	if _, loaded := m.challenges.LoadOrStore(c.ID, c); loaded {
		return conflict("challenge", c.ID)
	}
	return nil
}

func (m *MemStore) GetChallenge(_ context.Context, id uuid.UUID) (Challenge, error) {
	c, ok := m.challenges.Load(id)
	if !ok {
		return Challenge{}, notFound("challenge", id)
	}
	return c, nil
}

func (m *MemStore) CreateInputElement(_ context.Context, e InputElement) error {
	if _, loaded := m.elements.LoadOrStore(e.ID, e); loaded {
		return conflict("input element", e.ID)
	}
	return nil
}

func (m *MemStore) GetInputElement(_ context.Context, id uuid.UUID) (InputElement, error) {
	e, ok := m.elements.Load(id)
	if !ok {
		return InputElement{}, notFound("input element", id)
	}
	return e, nil
}

func (m *MemStore) ListInputElements(_ context.Context, challengeID uuid.UUID, isPublic bool) ([]InputElement, error) {
	res := []InputElement{}
	m.elements.Range(func(_ uuid.UUID, e InputElement) bool {
		if e.ChallengeID == challengeID && e.IsPublic == isPublic {
			res = append(res, e)
		}
		return true
	})
	sort.Slice(res, func(i, j int) bool {
		if res[i].Ordinal != res[j].Ordinal {
			return res[i].Ordinal < res[j].Ordinal
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

func (m *MemStore) CreateInputValue(_ context.Context, v InputValue) error {
	if _, loaded := m.values.LoadOrStore(v.InputElementID, v); loaded {
		return conflict("input value for element", v.InputElementID)
	}
	return nil
}

func (m *MemStore) GetInputValue(_ context.Context, elementID uuid.UUID) (InputValue, error) {
	v, ok := m.values.Load(elementID)
	if !ok {
		return InputValue{}, notFound("input value for element", elementID)
	}
	return v, nil
}

func (m *MemStore) CreateAnswerKey(_ context.Context, a AnswerKey) error {
	k := answerKeyKey{challenge: a.ChallengeID, elem: a.InputElementID, key: a.Key}
	if _, loaded := m.answerKeys.LoadOrStore(k, a); loaded {
		return conflict("answer key", a.Key)
	}
	return nil
}

func (m *MemStore) GetAnswerKey(_ context.Context, challengeID, elementID uuid.UUID, key string) (AnswerKey, error) {
	a, ok := m.answerKeys.Load(answerKeyKey{challenge: challengeID, elem: elementID, key: key})
	if !ok {
		return AnswerKey{}, notFound("answer key "+key+" for element", elementID)
	}
	return a, nil
}

func (m *MemStore) CreateSubmission(_ context.Context, s Submission) error {
	if _, loaded := m.submissions.LoadOrStore(s.ID, s); loaded {
		return conflict("submission", s.ID)
	}
	return nil
}

func (m *MemStore) GetSubmission(_ context.Context, id uuid.UUID) (Submission, error) {
	s, ok := m.submissions.Load(id)
	if !ok {
		return Submission{}, notFound("submission", id)
	}
	return s, nil
}

func (m *MemStore) SetContainerDigest(_ context.Context, submissionID uuid.UUID, digest string) (string, error) {
	found := false
	s, _ := m.submissions.Compute(submissionID, func(old Submission, loaded bool) (Submission, bool) {
		if !loaded {
			return old, true
		}
		found = true
		if old.Container.Digest == "" {
			old.Container.Digest = digest
		}
		return old, false
	})
	if !found {
		return "", notFound("submission", submissionID)
	}
	return s.Container.Digest, nil
}

func (m *MemStore) CreateRun(_ context.Context, r SubmissionRun) error {
	if _, ok := m.submissions.Load(r.SubmissionID); !ok {
		return notFound("submission", r.SubmissionID)
	}
	if _, loaded := m.runs.LoadOrStore(r.ID, r); loaded {
		return conflict("submission run", r.ID)
	}
	return nil
}

func (m *MemStore) GetRun(_ context.Context, id uuid.UUID) (SubmissionRun, error) {
	r, ok := m.runs.Load(id)
	if !ok {
		return SubmissionRun{}, notFound("submission run", id)
	}
	return r, nil
}

func (m *MemStore) ListRuns(_ context.Context, submissionID uuid.UUID) ([]SubmissionRun, error) {
	res := []SubmissionRun{}
	m.runs.Range(func(_ uuid.UUID, r SubmissionRun) bool {
		if r.SubmissionID == submissionID {
			res = append(res, r)
		}
		return true
	})
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemStore) UpdateRunStatus(_ context.Context, id uuid.UUID, from, to RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("run %s: %s -> %s: %w", id, from, to, ErrIllegalTransition)
	}
	var err error
	m.runs.Compute(id, func(old SubmissionRun, loaded bool) (SubmissionRun, bool) {
		if !loaded {
			err = notFound("submission run", id)
			return old, true
		}
		if old.Status != from {
			err = fmt.Errorf("run %s is %s, expected %s: %w", id, old.Status, from, ErrStaleStatus)
			return old, false
		}
		old.Status = to
		return old, false
	})
	return err
}

func (m *MemStore) CreateEvaluation(_ context.Context, e Evaluation) error {
	if _, ok := m.runs.Load(e.SubmissionRunID); !ok {
		return notFound("submission run", e.SubmissionRunID)
	}
	k := runElemKey{run: e.SubmissionRunID, elem: e.InputElementID}
	var err error
	// the row is stored before the pair index publishes its id
	m.evalByPair.Compute(k, func(old uuid.UUID, loaded bool) (uuid.UUID, bool) {
		if loaded {
			err = conflict("evaluation for element", e.InputElementID)
			return old, false
		}
		m.evals.Store(e.ID, e)
		return e.ID, false
	})
	return err
}

func (m *MemStore) FindEvaluation(_ context.Context, runID, elementID uuid.UUID) (Evaluation, error) {
	id, ok := m.evalByPair.Load(runElemKey{run: runID, elem: elementID})
	if !ok {
		return Evaluation{}, notFound("evaluation for element", elementID)
	}
	e, ok := m.evals.Load(id)
	if !ok {
		// pair index is written before the row itself
		return Evaluation{}, notFound("evaluation", id)
	}
	return e, nil
}

func (m *MemStore) ListEvaluations(_ context.Context, runID uuid.UUID) ([]Evaluation, error) {
	res := []Evaluation{}
	m.evals.Range(func(_ uuid.UUID, e Evaluation) bool {
		if e.SubmissionRunID == runID {
			res = append(res, e)
		}
		return true
	})
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemStore) UpdateEvaluationExitStatus(_ context.Context, id uuid.UUID, exitStatus int) error {
	found := false
	m.evals.Compute(id, func(old Evaluation, loaded bool) (Evaluation, bool) {
		if !loaded {
			return old, true
		}
		found = true
		old.ExitStatus = exitStatus
		return old, false
	})
	if !found {
		return notFound("evaluation", id)
	}
	return nil
}

func (m *MemStore) CreateFloatValue(_ context.Context, v FloatValue) error {
	if _, loaded := m.floats.LoadOrStore(v.ID, v); loaded {
		return conflict("float value", v.ID)
	}
	return nil
}

func (m *MemStore) CreatePrediction(_ context.Context, p Prediction) error {
	if _, ok := m.evals.Load(p.EvaluationID); !ok {
		return notFound("evaluation", p.EvaluationID)
	}
	v, ok := m.floats.Load(p.ValueID)
	if !ok {
		return notFound("float value", p.ValueID)
	}
	p.Value = v.Value
	if _, loaded := m.predictions.LoadOrStore(predKey{eval: p.EvaluationID, key: p.Key}, p); loaded {
		return conflict("prediction "+p.Key+" for evaluation", p.EvaluationID)
	}
	return nil
}

func (m *MemStore) GetPrediction(_ context.Context, evaluationID uuid.UUID, key string) (Prediction, error) {
	p, ok := m.predictions.Load(predKey{eval: evaluationID, key: key})
	if !ok {
		return Prediction{}, notFound("prediction "+key+" for evaluation", evaluationID)
	}
	return p, nil
}

// Counts reports how many evaluations and predictions exist, for tests and
// diagnostics.
func (m *MemStore) Counts() (runs, evaluations, predictions int) {
	return m.runs.Size(), m.evals.Size(), m.predictions.Size()
}
