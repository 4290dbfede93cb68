// Package memory keeps published cache events in memory. It backs the
// "memory" notify backend and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultCapacity bounds how many messages are retained.
const DefaultCapacity = 1024

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher retaining up to capacity messages. A
// non-positive capacity selects DefaultCapacity.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish records the message and returns a sequential ID. The oldest message
// is dropped once the capacity is reached.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	if len(p.messages) == p.capacity {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the retained messages published to topic.
func (p *Publisher) Topic(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Close drops every retained message.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.messages = nil
	p.mu.Unlock()
	return nil
}
