package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

const (
	streamName       = "MAILSHARD_RUNS"
	completedSubject = "mailshard.runs.completed"
)

// Publisher emits run-completion events over NATS JetStream. The run
// token doubles as the broker dedup id, so a re-published report is
// dropped server side.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and ensures the run stream exists.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mailshard.runs.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create run stream: %w", err)
	}
	return nil
}

// PublishRunCompleted publishes the run report, deduplicated by run
// token.
func (p *Publisher) PublishRunCompleted(_ context.Context, rep *ingest.RunReport) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}
	if _, err := p.js.Publish(completedSubject, payload, nats.MsgId(rep.RunToken)); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
