// Package events publishes proposal and change lifecycle events.
//
// Events are JSON documents published on NATS subjects of the form
// "<prefix>.<subject>", for example "autopilot.proposal.decided":
//
//	{"type":"proposal.decided","id":"…","occurred_at":"…","data":{…}}
//
// Subscribers are external systems (mail and lead handlers, dashboards).
// Apart from action.requested, publishing is best-effort: callers log
// failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects, relative to the configured prefix.
const (
	ProposalCreated  = "proposal.created"
	ProposalDecided  = "proposal.decided"
	ProposalExecuted = "proposal.executed"
	ChangeOpened     = "change.opened"
	ChangeMerged     = "change.merged"
	ChangeUpdated    = "change.updated"
	ChecksCompleted  = "change.checks_completed"
	ActionRequested  = "action.requested"
)

// Event is the envelope published for every subject.
type Event struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

var _ Publisher = (*NATSPublisher)(nil)

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("autopilot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the full subject for an event type.
func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// Publish marshals evt and publishes it on its subject.
func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}
	if err := p.nc.Publish(p.Subject(evt.Type), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", evt.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection when owned.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	defer p.nc.Close()
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("failed to flush nats connection: %w", err)
	}
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned from every Publish.
	Err error
}

// Publish records evt.
func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evt)
	return nil
}

// Close is a no-op.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
