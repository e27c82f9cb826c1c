package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryPermanent},
		{"explicit transient", Transient(errors.New("x"), "op"), CategoryTransient},
		{"explicit permanent", Permanent(errors.New("x"), "op"), CategoryPermanent},
		{"rate limited", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"request timeout", &HTTPError{StatusCode: 408}, CategoryTransient},
		{"server error", &HTTPError{StatusCode: 502}, CategoryTransient},
		{"not found", &HTTPError{StatusCode: 404}, CategoryPermanent},
		{"bad request", &HTTPError{StatusCode: 400}, CategoryPermanent},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, CategoryTransient},
		{"cancelled", fmt.Errorf("call: %w", context.Canceled), CategoryPermanent},
		{"deadline", context.DeadlineExceeded, CategoryPermanent},
		{"parse", &JSONParseError{Message: "bad"}, CategoryPermanent},
		{"unknown", errors.New("mystery"), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "permanent", CategoryPermanent.String())
	assert.Equal(t, "unknown", Category(42).String())
}

func TestCategorizedError_Format(t *testing.T) {
	err := &CategorizedError{Err: errors.New("boom"), Category: CategoryTransient, Retries: 2, Context: "chat"}
	assert.Equal(t, "chat: boom (category: transient, attempts: 2)", err.Error())

	bare := &CategorizedError{Err: errors.New("boom"), Category: CategoryPermanent, Retries: 1}
	assert.Equal(t, "boom (category: permanent, attempts: 1)", bare.Error())
}

func TestHTTPError_Format(t *testing.T) {
	assert.Equal(t, "HTTP 503 at /api/chat: busy", (&HTTPError{StatusCode: 503, Message: "busy", Endpoint: "/api/chat"}).Error())
	assert.Equal(t, "HTTP 500: oops", (&HTTPError{StatusCode: 500, Message: "oops"}).Error())
}
