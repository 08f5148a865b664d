package natsgath

import (
	"github.com/nats-io/nats.go"
	"github.com/programme-lv/referee/api"
)

type natsGatherer struct {
	nc     *nats.Conn
	prefix string
}

func (s *natsGatherer) StartPhase(msg api.StartPhase) {
	s.send(msg.SubmissionID, msg)
}

func (s *natsGatherer) FinishElement(msg api.FinishElement) {
	s.send(msg.SubmissionID, msg.Trimmed())
}

func (s *natsGatherer) SkipPhase(msg api.SkipPhase) {
	s.send(msg.SubmissionID, msg.Trimmed())
}

func (s *natsGatherer) FinishPhase(msg api.FinishPhase) {
	s.send(msg.SubmissionID, msg)
}
