package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const (
	PriceStream    = "PRICES-STREAM"
	PriceSubjects  = "prices.*"
	EngineStream   = "ENGINE-STREAM"
	EngineSubjects = "engine.>"
)

type Publisher struct {
	log *slog.Logger
	js  nats.JetStreamContext
}

func New(nc *nats.Conn, log *slog.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("nats.New: %w", err)
	}
	return &Publisher{log: log, js: js}, nil
}

// EnsureStream creates the stream if it does not exist yet.
func (p *Publisher) EnsureStream(name string, subjects ...string) error {
	const op = "nats.EnsureStream"
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
	})
	if err != nil {
		p.log.Error("failed to ensure stream", "op", op, "stream", name, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Publish marshals msg to JSON and publishes it on subject.
func (p *Publisher) Publish(_ context.Context, subject string, msg any) error {
	const op = "nats.Publish"
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to marshal message", "op", op, "subject", subject, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		p.log.Error("failed to publish message", "op", op, "subject", subject, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
