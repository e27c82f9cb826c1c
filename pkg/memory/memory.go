// Package memory stores per-session chat history.
//
// Two stores share the Store contract: RedisStore keeps each session in a
// redis list that expires after the configured TTL, and MemoryStore keeps
// sessions in process memory for local runs and as a fallback when redis
// is unavailable. Every Append refreshes the session's TTL.
package memory

import (
	"context"
	"time"
)

// DefaultTTL is how long a session's history lives after its last message.
const DefaultTTL = 24 * time.Hour

// DefaultLimit is the number of recent messages handed to the pipeline.
const DefaultLimit = 10

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stats describes a session's stored history.
type Stats struct {
	MessageCount int `json:"message_count"`
	// TTL is the time left before the history expires. Zero when the
	// session has no history.
	TTL time.Duration `json:"ttl"`
}

// Store persists chat history. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append adds a message to the end of the session's history.
	Append(ctx context.Context, sessionID string, msg Message) error

	// Recent returns up to limit of the newest messages in chronological
	// order. A limit of zero or less returns the whole history.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// Clear deletes the session's history.
	Clear(ctx context.Context, sessionID string) error

	// Stats reports the session's message count and remaining TTL.
	Stats(ctx context.Context, sessionID string) (Stats, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// Key returns the storage key of a session's history.
func Key(sessionID string) string {
	return "chat_history:" + sessionID
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL sets how long history lives after the last Append.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock sets the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func stamp(msg Message, now func() time.Time) Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now().UTC()
	}
	return msg
}

func tail(msgs []Message, limit int) []Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
