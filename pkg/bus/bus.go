// Package bus publishes pipeline lifecycle events over NATS JetStream.
//
// Events are advisory. Downstream consumers (dashboards, alerting) may
// subscribe to the symmirror.> subject space; the pipeline itself never
// depends on a message being delivered.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream that collects all pipeline events.
const StreamName = "SYMMIRROR"

// Subjects for the events the pipeline emits.
const (
	SubjectRunStarted       = "symmirror.run.started"
	SubjectRunFinished      = "symmirror.run.finished"
	SubjectArtifactMirrored = "symmirror.artifact.mirrored"
	SubjectSymbolsPublished = "symmirror.symbols.published"
)

// RunEvent describes the start or end of a mirror run.
type RunEvent struct {
	RunID       string    `json:"run_id"`
	At          time.Time `json:"at"`
	Queued      int       `json:"queued,omitempty"`
	Mirrored    int       `json:"mirrored,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	BudgetSpent bool      `json:"budget_spent,omitempty"`
}

// ArtifactEvent describes a state change of a single artifact.
type ArtifactEvent struct {
	RunID      string `json:"run_id"`
	ArtifactID string `json:"artifact_id"`
	Platform   string `json:"platform"`
	Version    string `json:"version"`
	Build      string `json:"build"`
	Status     string `json:"status,omitempty"`
	BundleKey  string `json:"bundle_key,omitempty"`
}

// Bus wraps a NATS JetStream connection for publishing events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to the provided NATS endpoint and ensures the event
// stream exists.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	if _, err := js.StreamInfo(StreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, err
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{"symmirror.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains the connection so buffered events flush before exit.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish sends v as JSON on the given subject. A nil Bus silently drops
// the event so callers do not have to branch on whether eventing is
// configured.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}
