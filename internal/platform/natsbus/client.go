// Package natsbus wraps the JetStream connection the service publishes
// canonical events and issue changes to. The detection engine and alert
// sink do not consume these streams: detectors read the store and alerts
// are dispatched directly.
package natsbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Client bundles a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to url with aggressive reconnect settings — event
// distribution must survive a NATS restart without operator intervention.
func NewClient(url string, log *zap.Logger) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}
	return &Client{Conn: conn, JS: js, Log: log}, nil
}

// Close drains the connection, falling back to a hard close if draining
// does not complete.
func (c *Client) Close() {
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}
