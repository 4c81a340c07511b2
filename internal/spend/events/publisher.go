// Package events delivers spend engine domain events to Kafka, Redis Streams,
// webhooks and websocket subscribers
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// Sink is one delivery destination. A durable sink keeps what it accepted;
// a best effort sink (the websocket hub) may drop it.
type Sink interface {
	Name() string
	Durable() bool
	Send(ctx context.Context, events []interfaces.Event) error
}

// Publisher fans events out to every sink. A batch counts as delivered once a
// durable sink accepted it; best effort sinks only count when no durable sink
// is configured. Undelivered batches are parked in the outbox when there is one.
type Publisher struct {
	sinks   []Sink
	durable []Sink
	outbox  *Outbox
	log     *zap.Logger
}

var _ interfaces.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new fan-out publisher. outbox may be nil.
func NewPublisher(sinks []Sink, outbox *Outbox, log *zap.Logger) *Publisher {
	var durable []Sink
	for _, sink := range sinks {
		if sink.Durable() {
			durable = append(durable, sink)
		}
	}
	return &Publisher{sinks: sinks, durable: durable, outbox: outbox, log: log}
}

// Publish implements interfaces.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, events []interfaces.Event) error {
	if len(events) == 0 || len(p.sinks) == 0 {
		return nil
	}

	var lastErr error
	successCount, durableCount := 0, 0
	for _, sink := range p.sinks {
		if err := sink.Send(ctx, events); err != nil {
			p.log.Error("failed to publish events",
				zap.String("sink", sink.Name()),
				zap.String("first_event", string(events[0].Type)),
				zap.Int("count", len(events)),
				zap.Error(err))
			lastErr = err
			continue
		}
		successCount++
		if sink.Durable() {
			durableCount++
		}
	}

	p.log.Debug("published events",
		zap.Int("count", len(events)),
		zap.Int("sinks_success", successCount),
		zap.Int("sinks_durable_success", durableCount),
		zap.Int("sinks_total", len(p.sinks)))

	if durableCount > 0 || (len(p.durable) == 0 && successCount > 0) {
		return nil
	}
	if p.outbox != nil {
		if err := p.outbox.Store(events); err != nil {
			return fmt.Errorf("no durable sink accepted batch and outbox rejected it: %w", err)
		}
		p.log.Warn("events parked in outbox", zap.Int("count", len(events)))
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no sink accepted batch")
	}
	return fmt.Errorf("no durable sink accepted batch, last error: %w", lastErr)
}

// Redeliver sends parked batches again and drops the ones that went out.
// Best effort sinks already saw the batch on the first attempt, so only
// durable sinks are retried when any are configured.
func (p *Publisher) Redeliver(ctx context.Context, limit int) (int, error) {
	if p.outbox == nil {
		return 0, nil
	}
	targets := p.durable
	if len(targets) == 0 {
		targets = p.sinks
	}
	delivered := 0
	err := p.outbox.Drain(limit, func(batch []interfaces.Event) bool {
		for _, sink := range targets {
			if sink.Send(ctx, batch) == nil {
				delivered += len(batch)
				return true
			}
		}
		return false
	})
	return delivered, err
}

// envelope is the wire form shared by every sink.
type envelope struct {
	Source string           `json:"source"`
	Event  interfaces.Event `json:"event"`
}

func encode(e interfaces.Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Source: "cashspend", Event: e})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
