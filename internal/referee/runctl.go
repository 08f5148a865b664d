package referee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/programme-lv/referee/internal/gate"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/records"
	"github.com/programme-lv/referee/internal/sandbox"
	"golang.org/x/sync/singleflight"
)

// FinalizePolicy decides which terminal status Finalize records.
type FinalizePolicy int

const (
	// FinalizeAttempted marks a run SUCCESS once all its elements have been
	// attempted, whatever their outcome.
	FinalizeAttempted FinalizePolicy = iota
	// FinalizeAllSucceeded marks a run SUCCESS only if every element of its
	// partition produced a value, and FAILURE otherwise.
	FinalizeAllSucceeded
)

func (p FinalizePolicy) String() string {
	if p == FinalizeAllSucceeded {
		return "all-succeeded"
	}
	return "attempted"
}

// RunController owns submission runs: it creates them behind a gate and is
// the only component that moves them to a terminal status.
type RunController struct {
	store    records.Store
	resolver sandbox.DigestResolver
	cache    ResultCache
	policy   FinalizePolicy

	digests singleflight.Group
}

// NewRunController returns a RunController. With a nil resolver, runs of
// submissions without a digest reference their image by tag. cache may be
// nil; it is only consulted by FinalizeAllSucceeded.
func NewRunController(store records.Store, resolver sandbox.DigestResolver, cache ResultCache, policy FinalizePolicy) *RunController {
	return &RunController{store: store, resolver: resolver, cache: cache, policy: policy}
}

// Create opens a PENDING run for one partition of the submission if cond is
// Ready(true). A closed gate yields NoRun and writes nothing.
func (c *RunController) Create(ctx context.Context, submissionID uuid.UUID, cond gate.Cond, isPublic bool) (uuid.UUID, error) {
	open, resolved := cond.Resolved()
	if !resolved {
		return NoRun, ErrCondPending
	}
	if !open {
		return NoRun, nil
	}

	sub, err := c.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return NoRun, err
	}
	digest, err := c.ResolveDigest(ctx, sub)
	if err != nil {
		return NoRun, err
	}

	run := records.SubmissionRun{
		ID:           records.NewID(),
		SubmissionID: sub.ID,
		Digest:       digest,
		IsPublic:     isPublic,
		Status:       records.RunPending,
		CreatedAt:    time.Now(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return NoRun, err
	}
	logger.FromContext(ctx).Info("created submission run",
		"run_id", run.ID, "phase", partition(isPublic), "digest", digest)
	return run.ID, nil
}

// ResolveDigest returns the submission's container digest, resolving and
// storing it first if unset. Concurrent callers for one submission share a
// single resolution, and the store keeps whichever digest was set first.
func (c *RunController) ResolveDigest(ctx context.Context, sub records.Submission) (string, error) {
	if sub.Container.Digest != "" || c.resolver == nil {
		return sub.Container.Digest, nil
	}
	v, err, _ := c.digests.Do(sub.ID.String(), func() (any, error) {
		fresh, err := c.store.GetSubmission(ctx, sub.ID)
		if err != nil {
			return "", err
		}
		if fresh.Container.Digest != "" {
			return fresh.Container.Digest, nil
		}
		resolved, err := c.resolver.ResolveDigest(ctx, fresh.Container.URI())
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrDigestResolution, fresh.Container.URI(), err)
		}
		return c.store.SetContainerDigest(ctx, sub.ID, resolved)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Finalize moves the run to a terminal status according to the policy and
// reports whether it succeeded. NoRun finalizes to false without any I/O,
// and a run that is already terminal reports its recorded outcome.
func (c *RunController) Finalize(ctx context.Context, runID uuid.UUID) (bool, error) {
	if runID == NoRun {
		return false, nil
	}
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() {
		return run.Status == records.RunSuccess, nil
	}

	to := records.RunSuccess
	if c.policy == FinalizeAllSucceeded {
		ok, err := c.allSucceeded(ctx, run)
		if err != nil {
			return false, err
		}
		if !ok {
			to = records.RunFailure
		}
	}

	err = c.store.UpdateRunStatus(ctx, run.ID, records.RunPending, to)
	if errors.Is(err, records.ErrStaleStatus) {
		if run, err = c.store.GetRun(ctx, runID); err != nil {
			return false, err
		}
		return run.Status == records.RunSuccess, nil
	}
	if err != nil {
		return false, err
	}
	logger.FromContext(ctx).Info("finalized submission run",
		"run_id", run.ID, "status", to, "policy", c.policy)
	return to == records.RunSuccess, nil
}

func (c *RunController) allSucceeded(ctx context.Context, run records.SubmissionRun) (bool, error) {
	sub, err := c.store.GetSubmission(ctx, run.SubmissionID)
	if err != nil {
		return false, err
	}
	elems, err := c.store.ListInputElements(ctx, sub.ChallengeID, run.IsPublic)
	if err != nil {
		return false, err
	}
	evals, err := c.store.ListEvaluations(ctx, run.ID)
	if err != nil {
		return false, err
	}
	succeeded := make(map[uuid.UUID]bool, len(evals))
	for _, e := range evals {
		succeeded[e.InputElementID] = e.Succeeded()
	}
	for _, el := range elems {
		if succeeded[el.ID] {
			continue
		}
		if c.cache != nil {
			if _, found, err := c.cache.Lookup(cacheNamespace(run), el.Name); err == nil && found {
				continue
			}
		}
		return false, nil
	}
	return true, nil
}
