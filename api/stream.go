package api

import "time"

// MsgType is a message type for streaming progress events
type MsgType string

// Streaming message type constants
const (
	StartPhaseMsg    MsgType = "phase_start"
	FinishElementMsg MsgType = "element_finish"
	SkipPhaseMsg     MsgType = "phase_skip"
	FinishPhaseMsg   MsgType = "phase_finish"
)

// Size constraints for free-form text in streamed messages
const (
	MaxTextHeight = 40
	MaxTextWidth  = 80
)

// Header is the common header for all streaming messages
type Header struct {
	SubmissionID string  `json:"submission_id"`
	MsgType      MsgType `json:"msg_type"`
	SentAt       string  `json:"sent_at"`
}

// StartPhase is sent once a phase's run has been created
type StartPhase struct {
	Header
	Phase    string   `json:"phase"`
	RunID    string   `json:"run_id"`
	Elements []string `json:"elements"`
}

// FinishElement is sent when an element task completes, successfully or not
type FinishElement struct {
	Header
	Phase   string   `json:"phase"`
	RunID   string   `json:"run_id"`
	Element string   `json:"element"`
	Value   *float64 `json:"value"`
	Cached  bool     `json:"cached"`
	Error   *string  `json:"error"`
}

// SkipPhase is sent when a phase's gate is closed and no run is created
type SkipPhase struct {
	Header
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

// FinishPhase is sent after a phase's run has been finalized
type FinishPhase struct {
	Header
	Phase     string `json:"phase"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

func NewHeader(submissionID string, msgType MsgType) Header {
	return Header{
		SubmissionID: submissionID,
		MsgType:      msgType,
		SentAt:       time.Now().Format(time.RFC3339),
	}
}

func NewStartPhase(submissionID, phase, runID string, elements []string) StartPhase {
	return StartPhase{
		Header:   NewHeader(submissionID, StartPhaseMsg),
		Phase:    phase,
		RunID:    runID,
		Elements: elements,
	}
}

func NewFinishElement(submissionID, phase, runID, element string, value *float64, cached bool, errMsg *string) FinishElement {
	return FinishElement{
		Header:  NewHeader(submissionID, FinishElementMsg),
		Phase:   phase,
		RunID:   runID,
		Element: element,
		Value:   value,
		Cached:  cached,
		Error:   errMsg,
	}
}

func NewSkipPhase(submissionID, phase, reason string) SkipPhase {
	return SkipPhase{
		Header: NewHeader(submissionID, SkipPhaseMsg),
		Phase:  phase,
		Reason: reason,
	}
}

func NewFinishPhase(submissionID, phase, runID, status string, succeeded, failed, skipped int) FinishPhase {
	return FinishPhase{
		Header:    NewHeader(submissionID, FinishPhaseMsg),
		Phase:     phase,
		RunID:     runID,
		Status:    status,
		Succeeded: succeeded,
		Failed:    failed,
		Skipped:   skipped,
	}
}
