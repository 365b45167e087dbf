package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/publisher"
)

// PublisherSink forwards each advisory as an outbound message.
type PublisherSink struct {
	publisher publisher.Publisher
	topic     string
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(p publisher.Publisher, topic string) (*PublisherSink, error) {
	if p == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("advisory topic is required")
	}
	return &PublisherSink{publisher: p, topic: topic}, nil
}

// Consume publishes every advisory and joins the failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []advisory.Event) error {
	var errs []error
	for _, evt := range batch {
		msg := publisher.Message{
			Topic: s.topic,
			Attributes: map[string]string{
				"spider": evt.Spider.String(),
				"kind":   string(evt.Kind),
			},
			Payload: evt,
		}
		if _, err := s.publisher.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish advisory %s: %w", evt.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements advisory.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
