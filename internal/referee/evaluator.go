package referee

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/records"
	"github.com/programme-lv/referee/internal/sandbox"
)

// ResultCache memoizes one value per (namespace, element name).
type ResultCache interface {
	Lookup(namespace, element string) (float64, bool, error)
	Store(namespace, element string, value float64) error
}

// cacheNamespace names the cache directory of a run. Runs of the same image
// digest share it, so resubmitting an unchanged container skips elements it
// already scored. Without a digest the namespace is the submission.
func cacheNamespace(run records.SubmissionRun) string {
	if run.Digest == "" {
		return "submission-" + run.SubmissionID.String()
	}
	return strings.ReplaceAll(strings.TrimPrefix(run.Digest, "sha256:"), ":", "-")
}

// ElementResult is what an element task produces. PredictionID is zero for
// cache hits.
type ElementResult struct {
	Element      string    `json:"element"`
	PredictionID uuid.UUID `json:"prediction_id"`
	Value        float64   `json:"value"`
	Cached       bool      `json:"cached"`
}

// Evaluator runs one input element of a challenge through a submission's
// container and records the prediction.
type Evaluator struct {
	store   records.Store
	cache   ResultCache
	exec    sandbox.Executor
	timeout time.Duration
}

// NewEvaluator returns an Evaluator. A zero timeout leaves sandbox calls
// bounded only by the caller's context.
func NewEvaluator(store records.Store, cache ResultCache, exec sandbox.Executor, timeout time.Duration) *Evaluator {
	return &Evaluator{store: store, cache: cache, exec: exec, timeout: timeout}
}

func (e *Evaluator) element(ctx context.Context, elementID uuid.UUID, isPublic bool) (records.InputElement, error) {
	elem, err := e.store.GetInputElement(ctx, elementID)
	if errors.Is(err, records.ErrNotFound) {
		return elem, fmt.Errorf("%w: %w", ErrElementNotFound, err)
	}
	if err != nil {
		return elem, err
	}
	if elem.IsPublic != isPublic {
		return elem, fmt.Errorf("%w: element %s is not in the %s partition: %w",
			ErrElementNotFound, elem.Name, partition(isPublic), records.ErrNotFound)
	}
	return elem, nil
}

// Evaluate produces the value of element elementID for run runID. A value
// already in the cache is returned without writing records or touching the
// sandbox.
func (e *Evaluator) Evaluate(ctx context.Context, submissionID, elementID, runID uuid.UUID, isPublic bool) (ElementResult, error) {
	elem, err := e.element(ctx, elementID, isPublic)
	if err != nil {
		return ElementResult{}, err
	}
	ctx = logger.With(ctx, "run_id", runID, "element", elem.Name)
	log := logger.FromContext(ctx)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return ElementResult{}, err
	}
	ns := cacheNamespace(run)

	if v, found, err := e.cache.Lookup(ns, elem.Name); err != nil {
		return ElementResult{}, fmt.Errorf("failed to look up cached result: %w", err)
	} else if found {
		log.Debug("cache hit", "value", v)
		return ElementResult{Element: elem.Name, Value: v, Cached: true}, nil
	}

	sub, err := e.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return ElementResult{}, err
	}
	if sub.ChallengeID != elem.ChallengeID {
		return ElementResult{}, fmt.Errorf("%w: element %s belongs to another challenge: %w",
			ErrElementNotFound, elem.Name, records.ErrNotFound)
	}
	challenge, err := e.store.GetChallenge(ctx, sub.ChallengeID)
	if err != nil {
		return ElementResult{}, err
	}
	scoringKey := challenge.ScoringKey
	if scoringKey == "" {
		scoringKey = records.DefaultScoringKey
	}

	eval, err := e.evaluation(ctx, runID, elem.ID)
	if err != nil {
		return ElementResult{}, err
	}
	if eval.Succeeded() {
		// an earlier attempt persisted the prediction but did not reach the cache
		pred, err := e.store.GetPrediction(ctx, eval.ID, scoringKey)
		if err == nil {
			if err := e.cache.Store(ns, elem.Name, pred.Value); err != nil {
				return ElementResult{}, fmt.Errorf("failed to cache result: %w", err)
			}
			return ElementResult{Element: elem.Name, PredictionID: pred.ID, Value: pred.Value}, nil
		}
		if !errors.Is(err, records.ErrNotFound) {
			return ElementResult{}, err
		}
	}

	input, err := e.store.GetInputValue(ctx, elem.ID)
	if err != nil {
		return ElementResult{}, err
	}
	command := input.Value
	if challenge.CommandPrefix != nil {
		command = *challenge.CommandPrefix + input.Value
	}

	value, err := e.execute(ctx, sub.Container.PinnedURI(run.Digest), command)
	if err != nil {
		log.Warn("element failed", "error", err)
		return ElementResult{}, fmt.Errorf("%w: element %s: %w", ErrSandboxFailure, elem.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return ElementResult{}, fmt.Errorf("%w: element %s: %w", ErrSandboxFailure, elem.Name, err)
	}

	fv := records.FloatValue{ID: records.NewID(), Value: value}
	if err := e.store.CreateFloatValue(ctx, fv); err != nil {
		return ElementResult{}, err
	}
	pred := records.Prediction{
		ID:           records.NewID(),
		ChallengeID:  challenge.ID,
		EvaluationID: eval.ID,
		Key:          scoringKey,
		ValueID:      fv.ID,
		Value:        value,
	}
	if err := e.store.CreatePrediction(ctx, pred); errors.Is(err, records.ErrConflict) {
		// left behind by an attempt that failed before marking the evaluation
		if pred, err = e.store.GetPrediction(ctx, eval.ID, scoringKey); err != nil {
			return ElementResult{}, err
		}
		value = pred.Value
	} else if err != nil {
		return ElementResult{}, err
	}
	if err := e.store.UpdateEvaluationExitStatus(ctx, eval.ID, 0); err != nil {
		return ElementResult{}, err
	}
	if err := e.cache.Store(ns, elem.Name, value); err != nil {
		return ElementResult{}, fmt.Errorf("failed to cache result: %w", err)
	}

	log.Info("element evaluated", "value", value)
	return ElementResult{Element: elem.Name, PredictionID: pred.ID, Value: value}, nil
}

// evaluation creates the pending evaluation for (run, element), or returns
// the one a previous attempt created.
func (e *Evaluator) evaluation(ctx context.Context, runID, elementID uuid.UUID) (records.Evaluation, error) {
	eval := records.Evaluation{
		ID:              records.NewID(),
		SubmissionRunID: runID,
		InputElementID:  elementID,
		ExitStatus:      records.EvalPendingExitStatus,
		CreatedAt:       time.Now(),
	}
	err := e.store.CreateEvaluation(ctx, eval)
	if errors.Is(err, records.ErrConflict) {
		return e.store.FindEvaluation(ctx, runID, elementID)
	}
	if err != nil {
		return records.Evaluation{}, err
	}
	return eval, nil
}

func (e *Evaluator) execute(ctx context.Context, image string, command string) (float64, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err := e.exec.Execute(ctx, image, command)
	if err != nil {
		return 0, err
	}
	return parseValue(string(out))
}

// parseValue accepts a finite base-10 float. ParseFloat alone would also
// take hex floats, NaN and infinities.
func parseValue(out string) (float64, error) {
	s := strings.TrimSpace(out)
	digits := strings.TrimLeft(s, "+-")
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		return 0, fmt.Errorf("unparseable output %q: not a decimal number", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable output: %w", err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("unparseable output %q: not a finite number", s)
	}
	return v, nil
}

func partition(isPublic bool) string {
	if isPublic {
		return string(PhasePublic)
	}
	return string(PhasePrivate)
}
