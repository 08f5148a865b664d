// Package fixture loads challenge definitions from TOML files and seeds them
// into a record store.
package fixture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"
	"github.com/programme-lv/referee/internal/records"
)

// SpecElement is one [[elements]] entry. Exactly one of Value and File is set.
type SpecElement struct {
	Name   string  `toml:"name"`
	Public bool    `toml:"public"`
	Value  string  `toml:"value"`
	File   string  `toml:"file"`
	Answer float64 `toml:"answer"`
}

// SpecContainer is the [submission] table
type SpecContainer struct {
	Registry string `toml:"registry"`
	Label    string `toml:"label"`
	Tag      string `toml:"tag"`
	Digest   string `toml:"digest"`
}

type specRoot struct {
	Name          string        `toml:"name"`
	CommandPrefix *string       `toml:"command_prefix"`
	ScoringKey    string        `toml:"scoring_key"`
	Elements      []SpecElement `toml:"elements"`
	Submission    SpecContainer `toml:"submission"`
}

// Challenge is a parsed fixture with every element value already read.
type Challenge struct {
	Name          string
	CommandPrefix *string
	ScoringKey    string
	Elements      []SpecElement // Value is always filled in
	Container     records.Container
}

// Seeded holds the identifiers of the records written by Seed.
type Seeded struct {
	ChallengeID  uuid.UUID
	SubmissionID uuid.UUID
	Elements     map[string]uuid.UUID // by element name
}

// Parse reads a challenge TOML file. Relative element file paths are
// resolved against the file's directory.
func Parse(path string) (*Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge file: %w", err)
	}
	return parse(data, filepath.Dir(path))
}

func parse(data []byte, baseDir string) (*Challenge, error) {
	var root specRoot
	if err := toml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	if root.Name == "" {
		return nil, errors.New("challenge name is missing")
	}
	if root.ScoringKey == "" {
		root.ScoringKey = records.DefaultScoringKey
	}
	c := root.Submission
	if c.Registry == "" || c.Label == "" || c.Tag == "" {
		return nil, errors.New("submission needs registry, label and tag")
	}

	names := mapset.NewThreadUnsafeSet[string]()
	elems := make([]SpecElement, 0, len(root.Elements))
	for i, el := range root.Elements {
		if el.Name == "" {
			return nil, fmt.Errorf("element %d has no name", i)
		}
		if !names.Add(el.Name) {
			return nil, fmt.Errorf("duplicate element name %q", el.Name)
		}
		switch {
		case el.Value != "" && el.File != "":
			return nil, fmt.Errorf("element %q sets both value and file", el.Name)
		case el.File != "":
			p := el.File
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			v, err := readValue(p)
			if err != nil {
				return nil, fmt.Errorf("element %q: %w", el.Name, err)
			}
			el.Value = v
		case el.Value == "":
			return nil, fmt.Errorf("element %q has neither value nor file", el.Name)
		}
		elems = append(elems, el)
	}

	return &Challenge{
		Name:          root.Name,
		CommandPrefix: root.CommandPrefix,
		ScoringKey:    root.ScoringKey,
		Elements:      elems,
		Container: records.Container{
			Registry: c.Registry,
			Label:    c.Label,
			Tag:      c.Tag,
			Digest:   c.Digest,
		},
	}, nil
}

// readValue returns the trimmed file content, decompressing *.zst files.
func readValue(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".zst" {
		d, err := zstd.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer d.Close()
		r = d
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Seed writes the challenge, its elements, input values, answer keys and
// one submission. Public and private elements are numbered separately.
func (c *Challenge) Seed(ctx context.Context, store records.Store) (*Seeded, error) {
	out := &Seeded{
		ChallengeID:  records.NewID(),
		SubmissionID: records.NewID(),
		Elements:     make(map[string]uuid.UUID, len(c.Elements)),
	}

	err := store.CreateChallenge(ctx, records.Challenge{
		ID:            out.ChallengeID,
		Name:          c.Name,
		CommandPrefix: c.CommandPrefix,
		ScoringKey:    c.ScoringKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	ordinals := map[bool]int{}
	for _, el := range c.Elements {
		elemID := records.NewID()
		out.Elements[el.Name] = elemID

		err := store.CreateInputElement(ctx, records.InputElement{
			ID:          elemID,
			ChallengeID: out.ChallengeID,
			Name:        el.Name,
			IsPublic:    el.Public,
			Ordinal:     ordinals[el.Public],
		})
		if err != nil {
			return nil, fmt.Errorf("create element %s: %w", el.Name, err)
		}
		ordinals[el.Public]++

		err = store.CreateInputValue(ctx, records.InputValue{
			ID:             records.NewID(),
			InputElementID: elemID,
			Value:          el.Value,
		})
		if err != nil {
			return nil, fmt.Errorf("create input value %s: %w", el.Name, err)
		}

		err = store.CreateAnswerKey(ctx, records.AnswerKey{
			ID:             records.NewID(),
			ChallengeID:    out.ChallengeID,
			InputElementID: elemID,
			Key:            c.ScoringKey,
			Value:          el.Answer,
		})
		if err != nil {
			return nil, fmt.Errorf("create answer key %s: %w", el.Name, err)
		}
	}

	err = store.CreateSubmission(ctx, records.Submission{
		ID:          out.SubmissionID,
		ChallengeID: out.ChallengeID,
		Container:   c.Container,
	})
	if err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	return out, nil
}
