package natsgath

import (
	"github.com/nats-io/nats.go"
)

// New creates a NATS gatherer that publishes each event to
// <subjectPrefix>.<submission id>.
func New(nc *nats.Conn, subjectPrefix string) *natsGatherer {
	return &natsGatherer{
		nc:     nc,
		prefix: subjectPrefix,
	}
}
