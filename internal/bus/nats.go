// Package bus publishes batch events to NATS.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mediashrink/internal/coordinator"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("mediashrink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, msg.Data)
	})
}

// JSONPublisher is the part of Client used by Publisher.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// Publisher forwards coordinator messages as JSON events on
// <subject>.<event type>. Publish failures are logged and dropped.
type Publisher struct {
	pub     JSONPublisher
	subject string
	logger  logrus.FieldLogger
}

// NewPublisher returns a Publisher rooted at subject.
func NewPublisher(pub JSONPublisher, subject string, logger logrus.FieldLogger) *Publisher {
	return &Publisher{pub: pub, subject: subject, logger: logger}
}

// Observe implements coordinator.Observer.
func (p *Publisher) Observe(batchID string, msg coordinator.Message) {
	ev := coordinator.ToEvent(batchID, msg)
	subject := p.subject + "." + ev.Type
	if err := p.pub.PublishJSON(subject, ev); err != nil {
		p.logger.WithError(err).WithField("subject", subject).Warn("failed to publish event")
	}
}

// Wildcard returns the subject matching every event under root.
func Wildcard(root string) string {
	return root + ".>"
}
