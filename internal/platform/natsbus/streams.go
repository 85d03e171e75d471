package natsbus

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Stream and subject names for the two published event flows: canonical
// billing events and issue lifecycle events. The service only publishes
// to them; it has no subscriber of its own.
const (
	StreamCanonicalEvents  = "CANONICAL_EVENTS"
	SubjectCanonicalEvents = "CANONICAL_EVENTS.>"

	StreamIssueEvents  = "ISSUE_EVENTS"
	SubjectIssueEvents = "ISSUE_EVENTS.>"
)

// ProvisionStreams idempotently creates (or verifies) the JetStream
// streams used by this service.
func (c *Client) ProvisionStreams() error {
	for _, spec := range []struct {
		name    string
		subject string
	}{
		{StreamCanonicalEvents, SubjectCanonicalEvents},
		{StreamIssueEvents, SubjectIssueEvents},
	} {
		_, err := c.JS.StreamInfo(spec.name)
		if err == nil {
			continue
		}
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("stream info %s: %w", spec.name, err)
		}
		_, err = c.JS.AddStream(&nats.StreamConfig{
			Name:      spec.name,
			Subjects:  []string{spec.subject},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		})
		if err != nil {
			return fmt.Errorf("add stream %s: %w", spec.name, err)
		}
	}
	return nil
}
