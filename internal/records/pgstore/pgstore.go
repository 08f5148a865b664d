package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/records"
)

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

type pgStore struct {
	pool *pgxpool.Pool
}

var _ records.Store = (*pgStore)(nil)

func New(pool *pgxpool.Pool) *pgStore {
	return &pgStore{pool: pool}
}

// Connect opens a pool for connString and applies the schema.
func Connect(ctx context.Context, connString string) (*pgStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate creates missing tables. It is safe to run repeatedly.
func (s *pgStore) Migrate(ctx context.Context) error {
	logger.FromContext(ctx).Debug("applying schema")
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func mapErr(err error, entity string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", entity, id, records.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s %v: %w", entity, id, records.ErrConflict)
	}
	return fmt.Errorf("%s %v: %w", entity, id, err)
}

func (s *pgStore) CreateChallenge(ctx context.Context, c records.Challenge) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO challenges (id, name, command_prefix, scoring_key)
		VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.CommandPrefix, c.ScoringKey)
	if err != nil {
		return mapErr(err, "challenge", c.ID)
	}
	return nil
}

func (s *pgStore) GetChallenge(ctx context.Context, id uuid.UUID) (records.Challenge, error) {
	var c records.Challenge
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, command_prefix, scoring_key, created_at
		FROM challenges WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.CommandPrefix, &c.ScoringKey, &c.CreatedAt)
	if err != nil {
		return records.Challenge{}, mapErr(err, "challenge", id)
	}
	return c, nil
}

func (s *pgStore) CreateInputElement(ctx context.Context, e records.InputElement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO input_elements (id, challenge_id, name, is_public, ordinal)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ChallengeID, e.Name, e.IsPublic, e.Ordinal)
	if err != nil {
		return mapErr(err, "input element", e.ID)
	}
	return nil
}

func (s *pgStore) GetInputElement(ctx context.Context, id uuid.UUID) (records.InputElement, error) {
	var e records.InputElement
	err := s.pool.QueryRow(ctx, `
		SELECT id, challenge_id, name, is_public, ordinal
		FROM input_elements WHERE id = $1`, id).
		Scan(&e.ID, &e.ChallengeID, &e.Name, &e.IsPublic, &e.Ordinal)
	if err != nil {
		return records.InputElement{}, mapErr(err, "input element", id)
	}
	return e, nil
}

func (s *pgStore) ListInputElements(ctx context.Context, challengeID uuid.UUID, isPublic bool) ([]records.InputElement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, challenge_id, name, is_public, ordinal
		FROM input_elements
		WHERE challenge_id = $1 AND is_public = $2
		ORDER BY ordinal, name`, challengeID, isPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to query input elements: %w", err)
	}
	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (records.InputElement, error) {
		var e records.InputElement
		err := row.Scan(&e.ID, &e.ChallengeID, &e.Name, &e.IsPublic, &e.Ordinal)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan input elements: %w", err)
	}
	return res, nil
}

func (s *pgStore) CreateInputValue(ctx context.Context, v records.InputValue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO input_values (id, input_element_id, value) VALUES ($1, $2, $3)`,
		v.ID, v.InputElementID, v.Value)
	if err != nil {
		return mapErr(err, "input value", v.ID)
	}
	return nil
}

func (s *pgStore) GetInputValue(ctx context.Context, elementID uuid.UUID) (records.InputValue, error) {
	var v records.InputValue
	err := s.pool.QueryRow(ctx, `
		SELECT id, input_element_id, value FROM input_values
		WHERE input_element_id = $1`, elementID).
		Scan(&v.ID, &v.InputElementID, &v.Value)
	if err != nil {
		return records.InputValue{}, mapErr(err, "input value for element", elementID)
	}
	return v, nil
}

func (s *pgStore) CreateAnswerKey(ctx context.Context, a records.AnswerKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO answer_keys (id, challenge_id, input_element_id, key, value)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ChallengeID, a.InputElementID, a.Key, a.Value)
	if err != nil {
		return mapErr(err, "answer key", a.ID)
	}
	return nil
}

func (s *pgStore) GetAnswerKey(ctx context.Context, challengeID, elementID uuid.UUID, key string) (records.AnswerKey, error) {
	var a records.AnswerKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, challenge_id, input_element_id, key, value FROM answer_keys
		WHERE challenge_id = $1 AND input_element_id = $2 AND key = $3`,
		challengeID, elementID, key).
		Scan(&a.ID, &a.ChallengeID, &a.InputElementID, &a.Key, &a.Value)
	if err != nil {
		return records.AnswerKey{}, mapErr(err, "answer key "+key+" for element", elementID)
	}
	return a, nil
}

func (s *pgStore) CreateSubmission(ctx context.Context, sub records.Submission) error {
	c := sub.Container
	_, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (id, challenge_id, registry, label, tag, digest)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.ChallengeID, c.Registry, c.Label, c.Tag, c.Digest)
	if err != nil {
		return mapErr(err, "submission", sub.ID)
	}
	return nil
}

func (s *pgStore) GetSubmission(ctx context.Context, id uuid.UUID) (records.Submission, error) {
	var sub records.Submission
	c := &sub.Container
	err := s.pool.QueryRow(ctx, `
		SELECT id, challenge_id, registry, label, tag, digest, created_at
		FROM submissions WHERE id = $1`, id).
		Scan(&sub.ID, &sub.ChallengeID, &c.Registry, &c.Label, &c.Tag, &c.Digest, &sub.CreatedAt)
	if err != nil {
		return records.Submission{}, mapErr(err, "submission", id)
	}
	return sub, nil
}

func (s *pgStore) SetContainerDigest(ctx context.Context, submissionID uuid.UUID, digest string) (string, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE submissions SET digest = $2 WHERE id = $1 AND digest = ''`,
		submissionID, digest)
	if err != nil {
		return "", mapErr(err, "submission", submissionID)
	}
	var stored string
	err = s.pool.QueryRow(ctx, `SELECT digest FROM submissions WHERE id = $1`, submissionID).Scan(&stored)
	if err != nil {
		return "", mapErr(err, "submission", submissionID)
	}
	return stored, nil
}

func (s *pgStore) CreateRun(ctx context.Context, r records.SubmissionRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO submission_runs (id, submission_id, digest, is_public, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.SubmissionID, r.Digest, r.IsPublic, string(r.Status), r.CreatedAt)
	if err != nil {
		return mapErr(err, "submission run", r.ID)
	}
	return nil
}

func scanRun(row pgx.Row) (records.SubmissionRun, error) {
	var r records.SubmissionRun
	var status string
	err := row.Scan(&r.ID, &r.SubmissionID, &r.Digest, &r.IsPublic, &status, &r.CreatedAt)
	r.Status = records.RunStatus(status)
	return r, err
}

func (s *pgStore) GetRun(ctx context.Context, id uuid.UUID) (records.SubmissionRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT id, submission_id, digest, is_public, status, created_at
		FROM submission_runs WHERE id = $1`, id))
	if err != nil {
		return records.SubmissionRun{}, mapErr(err, "submission run", id)
	}
	return r, nil
}

func (s *pgStore) ListRuns(ctx context.Context, submissionID uuid.UUID) ([]records.SubmissionRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, submission_id, digest, is_public, status, created_at
		FROM submission_runs WHERE submission_id = $1
		ORDER BY created_at`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query submission runs: %w", err)
	}
	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (records.SubmissionRun, error) {
		return scanRun(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan submission runs: %w", err)
	}
	return res, nil
}

func (s *pgStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, from, to records.RunStatus) error {
	if !records.CanTransition(from, to) {
		return fmt.Errorf("run %s: %s -> %s: %w", id, from, to, records.ErrIllegalTransition)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE submission_runs SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return mapErr(err, "submission run", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	r, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s, expected %s: %w", id, r.Status, from, records.ErrStaleStatus)
}

func (s *pgStore) CreateEvaluation(ctx context.Context, e records.Evaluation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evaluations (id, submission_run_id, input_element_id, exit_status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.SubmissionRunID, e.InputElementID, e.ExitStatus, e.CreatedAt)
	if err != nil {
		return mapErr(err, "evaluation for element", e.InputElementID)
	}
	return nil
}

func (s *pgStore) FindEvaluation(ctx context.Context, runID, elementID uuid.UUID) (records.Evaluation, error) {
	var e records.Evaluation
	err := s.pool.QueryRow(ctx, `
		SELECT id, submission_run_id, input_element_id, exit_status, created_at
		FROM evaluations WHERE submission_run_id = $1 AND input_element_id = $2`,
		runID, elementID).
		Scan(&e.ID, &e.SubmissionRunID, &e.InputElementID, &e.ExitStatus, &e.CreatedAt)
	if err != nil {
		return records.Evaluation{}, mapErr(err, "evaluation for element", elementID)
	}
	return e, nil
}

func (s *pgStore) ListEvaluations(ctx context.Context, runID uuid.UUID) ([]records.Evaluation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, submission_run_id, input_element_id, exit_status, created_at
		FROM evaluations WHERE submission_run_id = $1
		ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (records.Evaluation, error) {
		var e records.Evaluation
		err := row.Scan(&e.ID, &e.SubmissionRunID, &e.InputElementID, &e.ExitStatus, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan evaluations: %w", err)
	}
	return res, nil
}

func (s *pgStore) UpdateEvaluationExitStatus(ctx context.Context, id uuid.UUID, exitStatus int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE evaluations SET exit_status = $2 WHERE id = $1`, id, exitStatus)
	if err != nil {
		return mapErr(err, "evaluation", id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("evaluation %s: %w", id, records.ErrNotFound)
	}
	return nil
}

func (s *pgStore) CreateFloatValue(ctx context.Context, v records.FloatValue) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO float_values (id, value) VALUES ($1, $2)`, v.ID, v.Value)
	if err != nil {
		return mapErr(err, "float value", v.ID)
	}
	return nil
}

func (s *pgStore) CreatePrediction(ctx context.Context, p records.Prediction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO predictions (id, challenge_id, evaluation_id, key, value_id)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.ChallengeID, p.EvaluationID, p.Key, p.ValueID)
	if err != nil {
		return mapErr(err, "prediction "+p.Key+" for evaluation", p.EvaluationID)
	}
	return nil
}

func (s *pgStore) GetPrediction(ctx context.Context, evaluationID uuid.UUID, key string) (records.Prediction, error) {
	var p records.Prediction
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.challenge_id, p.evaluation_id, p.key, p.value_id, f.value
		FROM predictions p JOIN float_values f ON f.id = p.value_id
		WHERE p.evaluation_id = $1 AND p.key = $2`, evaluationID, key).
		Scan(&p.ID, &p.ChallengeID, &p.EvaluationID, &p.Key, &p.ValueID, &p.Value)
	if err != nil {
		return records.Prediction{}, mapErr(err, "prediction "+key+" for evaluation", evaluationID)
	}
	return p, nil
}
