package records

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultScoringKey is the only metric predictions are currently stored under.
const DefaultScoringKey = "molWeight"

// EvalPendingExitStatus is the exit status an evaluation carries until its
// output has been parsed successfully.
const EvalPendingExitStatus = 1

type Challenge struct {
	ID            uuid.UUID
	Name          string
	CommandPrefix *string // prepended to every element's raw input value
	ScoringKey    string
	CreatedAt     time.Time
}

type InputElement struct {
	ID          uuid.UUID
	ChallengeID uuid.UUID
	Name        string // logical name, also names the cache entry
	IsPublic    bool
	Ordinal     int
}

type InputValue struct {
	ID             uuid.UUID
	InputElementID uuid.UUID
	Value          string
}

type AnswerKey struct {
	ID             uuid.UUID
	ChallengeID    uuid.UUID
	InputElementID uuid.UUID
	Key            string
	Value          float64
}

// Container describes where a submission's image lives.
type Container struct {
	Registry string
	Label    string
	Tag      string
	Digest   string // "" until resolved
}

// URI returns the tag reference, e.g. "localhost:5000/mmh42/sampl-test:0.1".
func (c Container) URI() string {
	return fmt.Sprintf("%s/%s:%s", c.Registry, c.Label, c.Tag)
}

// PinnedURI references the image by digest when digest is known.
func (c Container) PinnedURI(digest string) string {
	if digest == "" {
		return c.URI()
	}
	return fmt.Sprintf("%s/%s@%s", c.Registry, c.Label, digest)
}

type Submission struct {
	ID          uuid.UUID
	ChallengeID uuid.UUID
	Container   Container
	CreatedAt   time.Time
}

type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailure
}

// CanTransition reports whether from -> to is a legal run status change.
// Runs start PENDING and move exactly once to a terminal status.
func CanTransition(from, to RunStatus) bool {
	return from == RunPending && to.Terminal()
}

type SubmissionRun struct {
	ID           uuid.UUID
	SubmissionID uuid.UUID
	Digest       string // snapshot of the container digest at creation
	IsPublic     bool
	Status       RunStatus
	CreatedAt    time.Time
}

type Evaluation struct {
	ID              uuid.UUID
	SubmissionRunID uuid.UUID
	InputElementID  uuid.UUID
	ExitStatus      int
	CreatedAt       time.Time
}

func (e Evaluation) Succeeded() bool {
	return e.ExitStatus == 0
}

type FloatValue struct {
	ID    uuid.UUID
	Value float64
}

type Prediction struct {
	ID           uuid.UUID
	ChallengeID  uuid.UUID
	EvaluationID uuid.UUID
	Key          string
	ValueID      uuid.UUID

	// Value is filled in by GetPrediction from the referenced FloatValue.
	Value float64
}

// NewID returns a time-ordered identifier for a new record.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
