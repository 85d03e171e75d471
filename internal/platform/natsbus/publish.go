package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/arc-self/billingwatch/internal/domain"
)

// PublishCanonicalEvent publishes a projected canonical event for
// consumers outside this service; nothing in the service subscribes to
// it (the scheduled detectors read the store). Implements
// ingest.EventPublisher.
func (c *Client) PublishCanonicalEvent(ctx context.Context, event domain.CanonicalEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("natsbus: marshal canonical event: %w", err)
	}
	subject := fmt.Sprintf("CANONICAL_EVENTS.%s.%s", event.OrganizationID, event.Source)
	if _, err := c.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("natsbus: publish canonical event: %w", err)
	}
	return nil
}

// PublishIssueEvent publishes a raised/updated issue for consumers
// outside this service; alert delivery itself is done directly by the
// alert dispatcher, not through this stream.
func (c *Client) PublishIssueEvent(ctx context.Context, issue domain.Issue) error {
	data, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("natsbus: marshal issue event: %w", err)
	}
	subject := fmt.Sprintf("ISSUE_EVENTS.%s.%s", issue.OrganizationID, issue.Detector)
	if _, err := c.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("natsbus: publish issue event: %w", err)
	}
	return nil
}
