// Package events publishes pipeline run events on an in-process watermill
// bus. Subscribers aggregate statistics or forward events to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// TopicRunCompleted carries one RunCompleted per processed query.
const TopicRunCompleted = "pipeline.run.completed"

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("events: bus closed")

// RunCompleted is the payload published after every processed query.
type RunCompleted struct {
	SessionID string `json:"session_id"`
	Route     string `json:"route"`
	ElapsedMS int64  `json:"elapsed_ms"`
	CacheHits int    `json:"cache_hits"`
	Error     string `json:"error,omitempty"`
}

// Handler processes a decoded event. A returned error is logged and the
// message is acknowledged anyway.
type Handler func(ctx context.Context, evt RunCompleted) error

// Bus is a gochannel pub/sub for run events.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus. Publishing never blocks on slow subscribers beyond
// the output buffer.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NewSlogLogger(logger.With(slog.String("component", "events"))),
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish encodes evt and publishes it on TopicRunCompleted.
func (b *Bus) Publish(evt RunCompleted) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := b.pubsub.Publish(TopicRunCompleted, msg); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

// Subscribe starts a consumer goroutine that feeds decoded events to h
// until ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	messages, err := b.pubsub.Subscribe(ctx, TopicRunCompleted)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	logger := b.logger.With(slog.String("subscriber", name))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.handle(ctx, logger, msg, h)
		}
	}()
	return nil
}

func (b *Bus) handle(ctx context.Context, logger *slog.Logger, msg *message.Message, h Handler) {
	// Undecodable payloads are acked so they are not redelivered forever.
	defer msg.Ack()

	var evt RunCompleted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		logger.Warn("dropping malformed run event",
			slog.String("message_id", msg.UUID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := h(ctx, evt); err != nil {
		logger.Warn("run event handler failed",
			slog.String("message_id", msg.UUID),
			slog.String("session_id", evt.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the bus and waits for subscriber goroutines to drain.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
