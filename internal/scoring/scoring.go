// Package scoring lists a submission's predictions next to the inputs and
// answer keys they are judged against.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/programme-lv/referee/internal/records"
)

type Row struct {
	RunID     uuid.UUID
	Public    bool
	Element   string
	Input     string
	Predicted float64
	Answer    float64
	Evaluated bool // false when the element has no stored prediction
}

// Report collects one row per element of each requested run. With no run
// ids every run of the submission is included.
func Report(ctx context.Context, store records.Store, submissionID uuid.UUID, runIDs ...uuid.UUID) ([]Row, error) {
	sub, err := store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	ch, err := store.GetChallenge(ctx, sub.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	runs, err := store.ListRuns(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runIDs) > 0 {
		wanted := mapset.NewThreadUnsafeSet(runIDs...)
		filtered := runs[:0:0]
		for _, r := range runs {
			if wanted.Contains(r.ID) {
				filtered = append(filtered, r)
				wanted.Remove(r.ID)
			}
		}
		if wanted.Cardinality() > 0 {
			return nil, fmt.Errorf("runs %v of submission %s: %w", wanted.ToSlice(), submissionID, records.ErrNotFound)
		}
		runs = filtered
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].IsPublic != runs[j].IsPublic {
			return runs[i].IsPublic
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	var rows []Row
	for _, run := range runs {
		elems, err := store.ListInputElements(ctx, ch.ID, run.IsPublic)
		if err != nil {
			return nil, fmt.Errorf("failed to list elements: %w", err)
		}
		for _, el := range elems {
			row, err := elementRow(ctx, store, ch, run, el)
			if err != nil {
				return nil, fmt.Errorf("element %s: %w", el.Name, err)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func elementRow(ctx context.Context, store records.Store, ch records.Challenge, run records.SubmissionRun, el records.InputElement) (Row, error) {
	row := Row{RunID: run.ID, Public: run.IsPublic, Element: el.Name}

	in, err := store.GetInputValue(ctx, el.ID)
	if err != nil {
		return row, err
	}
	row.Input = in.Value

	ans, err := store.GetAnswerKey(ctx, ch.ID, el.ID, ch.ScoringKey)
	if err != nil {
		return row, err
	}
	row.Answer = ans.Value

	ev, err := store.FindEvaluation(ctx, run.ID, el.ID)
	if errors.Is(err, records.ErrNotFound) {
		return row, nil
	}
	if err != nil {
		return row, err
	}
	pred, err := store.GetPrediction(ctx, ev.ID, ch.ScoringKey)
	if errors.Is(err, records.ErrNotFound) {
		return row, nil
	}
	if err != nil {
		return row, err
	}
	row.Predicted = pred.Value
	row.Evaluated = true
	return row, nil
}

// Print writes rows grouped by run. Missing predictions are shown in red.
func Print(w io.Writer, rows []Row) {
	bold := color.New(color.Bold)
	miss := color.New(color.FgRed)
	dim := color.New(color.Faint)

	var current uuid.UUID
	for _, r := range rows {
		if r.RunID != current {
			current = r.RunID
			part := "private"
			if r.Public {
				part = "public"
			}
			bold.Fprintf(w, "run %s (%s)\n", r.RunID, part)
		}
		fmt.Fprintf(w, "  %-12s ", r.Element)
		if r.Evaluated {
			color.New(color.FgGreen).Fprintf(w, "%-12s", strconv.FormatFloat(r.Predicted, 'g', -1, 64))
		} else {
			miss.Fprintf(w, "%-12s", "-")
		}
		fmt.Fprintf(w, " answer %-12s", strconv.FormatFloat(r.Answer, 'g', -1, 64))
		dim.Fprintf(w, " %s\n", r.Input)
	}
}
