package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrUnknownHandle = errors.New("unknown or expired handle")

type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
)

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

func (s NodeStatus) Done() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

type NodeState struct {
	Status   NodeStatus      `json:"status"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// State is the observable progress of one submitted graph.
type State struct {
	Handle     string               `json:"handle"`
	Phase      Phase                `json:"phase"`
	Nodes      map[string]NodeState `json:"nodes"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

func (s State) Finished() bool {
	return s.Phase == PhaseFinished
}

// Count returns how many nodes are in the given status.
func (s State) Count(status NodeStatus) int {
	n := 0
	for _, ns := range s.Nodes {
		if ns.Status == status {
			n++
		}
	}
	return n
}

func (s State) clone() State {
	c := s
	c.Nodes = make(map[string]NodeState, len(s.Nodes))
	for k, v := range s.Nodes {
		c.Nodes[k] = v
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// StatusStore keeps the latest State per handle for a bounded time.
type StatusStore interface {
	Put(ctx context.Context, st State) error
	Get(ctx context.Context, handle string) (State, error)
}
