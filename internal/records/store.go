package records

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	// ErrStaleStatus is returned by UpdateRunStatus when the run is no longer
	// in the expected status.
	ErrStaleStatus = errors.New("run status changed concurrently")
	// ErrIllegalTransition rejects a status change CanTransition does not allow.
	ErrIllegalTransition = errors.New("illegal run status transition")
)

// Store is the persistent record store. Every write touches a single row by
// primary key; callers need no locking beyond what a Store provides.
type Store interface {
	CreateChallenge(ctx context.Context, c Challenge) error
	GetChallenge(ctx context.Context, id uuid.UUID) (Challenge, error)

	CreateInputElement(ctx context.Context, e InputElement) error
	GetInputElement(ctx context.Context, id uuid.UUID) (InputElement, error)
	// ListInputElements returns the challenge's elements of one partition
	// ordered by Ordinal.
	ListInputElements(ctx context.Context, challengeID uuid.UUID, isPublic bool) ([]InputElement, error)

	CreateInputValue(ctx context.Context, v InputValue) error
	GetInputValue(ctx context.Context, elementID uuid.UUID) (InputValue, error)

	CreateAnswerKey(ctx context.Context, a AnswerKey) error
	GetAnswerKey(ctx context.Context, challengeID, elementID uuid.UUID, key string) (AnswerKey, error)

	CreateSubmission(ctx context.Context, s Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (Submission, error)
	// SetContainerDigest stores digest only if the submission has none yet and
	// returns whichever digest is stored afterwards.
	SetContainerDigest(ctx context.Context, submissionID uuid.UUID, digest string) (string, error)

	CreateRun(ctx context.Context, r SubmissionRun) error
	GetRun(ctx context.Context, id uuid.UUID) (SubmissionRun, error)
	ListRuns(ctx context.Context, submissionID uuid.UUID) ([]SubmissionRun, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, from, to RunStatus) error

	// CreateEvaluation fails with ErrConflict if the run already has an
	// evaluation for the same element.
	CreateEvaluation(ctx context.Context, e Evaluation) error
	FindEvaluation(ctx context.Context, runID, elementID uuid.UUID) (Evaluation, error)
	ListEvaluations(ctx context.Context, runID uuid.UUID) ([]Evaluation, error)
	UpdateEvaluationExitStatus(ctx context.Context, id uuid.UUID, exitStatus int) error

	CreateFloatValue(ctx context.Context, v FloatValue) error
	CreatePrediction(ctx context.Context, p Prediction) error
	GetPrediction(ctx context.Context, evaluationID uuid.UUID, key string) (Prediction, error)
}
