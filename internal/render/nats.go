package render

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used to emit events
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the payload published for every map change
type Event struct {
	Action   string    `json:"action"`
	ID       string    `json:"id,omitempty"`
	Features []Feature `json:"features,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

// NATSPublisher broadcasts map changes so that other viewers can follow
// along. Subjects are <prefix>.draw, <prefix>.highlight and <prefix>.remove.
type NATSPublisher struct {
	pub    Publisher
	prefix string
	now    func() time.Time
	conn   *nats.Conn
}

// NewNATSPublisher wraps an existing publisher
func NewNATSPublisher(pub Publisher, prefix string) *NATSPublisher {
	return &NATSPublisher{pub: pub, prefix: prefix, now: time.Now}
}

// ConnectNATS dials the server at url and returns a publisher that owns the
// connection
func ConnectNATS(ctx context.Context, url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("trailblog"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warnw(ctx, "NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Infow(ctx, "NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.conn = nc
	return p, nil
}

func (p *NATSPublisher) Draw(ctx context.Context, features []Feature) error {
	return p.publish("draw", Event{Action: "draw", Features: features})
}

func (p *NATSPublisher) Highlight(ctx context.Context, id string) error {
	return p.publish("highlight", Event{Action: "highlight", ID: id})
}

func (p *NATSPublisher) Remove(ctx context.Context, id string) error {
	return p.publish("remove", Event{Action: "remove", ID: id})
}

// Close drains the connection if the publisher owns one
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func (p *NATSPublisher) publish(action string, ev Event) error {
	ev.SentAt = p.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", action, err)
	}
	subject := p.prefix + "." + action
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
