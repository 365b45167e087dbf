// Package publisher defines the outbound message contract used to forward
// advisories to external consumers.
package publisher

import "context"

// Message is one outbound publish. Payload is JSON-encoded by the transport.
type Message struct {
	Topic      string
	Attributes map[string]string
	Payload    any
}

// Publisher delivers messages and returns the transport's message id.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
}
