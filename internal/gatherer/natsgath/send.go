package natsgath

import (
	"encoding/json"
	"log/slog"
)

func (s *natsGatherer) subject(submissionID string) string {
	return s.prefix + "." + submissionID
}

func (s *natsGatherer) send(submissionID string, msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "error", err)
		return
	}

	if err := s.nc.Publish(s.subject(submissionID), b); err != nil {
		slog.Error("failed to publish message to NATS", "subject", s.subject(submissionID), "error", err)
	}
}
