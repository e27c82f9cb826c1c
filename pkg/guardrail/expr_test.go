package guardrail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_Evaluate(t *testing.T) {
	vars := map[string]any{
		"query":  "how do i reset my password",
		"length": int64(26),
		"words":  int64(6),
		"flag":   true,
		"empty":  "",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"length == 26", true},
		{"length != 26", false},
		{"length > 10", true},
		{"length >= 26", true},
		{"length < 26", false},
		{"length <= 5", false},
		{"query contains 'password'", true},
		{"query contains 'balance'", false},
		{"query matches '^how do'", true},
		{"query matches '['", false},
		{"flag", true},
		{"empty", false},
		{"not flag", false},
		{"!empty", true},
		{"flag and length > 100", false},
		{"length > 100 or flag", true},
		{"length > 100 or words == 6 and flag", true},
		{"query contains 'reset my' and words > 3", true},
		{"query contains 'a or b'", false},
		{"query == 'x and y'", false},
		{"", false},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_QuotedKeywordsAreLiteral(t *testing.T) {
	vars := map[string]any{"query": "salt and pepper or not"}

	got, err := NewEvaluator().Evaluate("query contains 'and pepper or'", vars)

	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluator_CustomOperator(t *testing.T) {
	e := NewEvaluator(WithCustomOperator("starts_with", func(l, r any) bool {
		return strings.HasPrefix(l.(string), r.(string))
	}))

	got, err := e.Evaluate("query starts_with 'what'", map[string]any{"query": "what's my balance"})

	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluator_Malformed(t *testing.T) {
	_, err := NewEvaluator().Evaluate("query 'dangling", map[string]any{"query": "x"})
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	vars := map[string]any{"name": "value"}

	assert.Equal(t, "hello", Resolve("'hello'", vars))
	assert.Equal(t, "hello", Resolve(`"hello"`, vars))
	assert.Equal(t, true, Resolve("true", vars))
	assert.Equal(t, false, Resolve("FALSE", vars))
	assert.Nil(t, Resolve("null", vars))
	assert.Equal(t, int64(42), Resolve("42", vars))
	assert.Equal(t, 3.5, Resolve("3.5", vars))
	assert.Equal(t, "value", Resolve("name", vars))
	assert.Equal(t, "unknown", Resolve("unknown", vars))
	assert.Equal(t, "", Resolve("  ", vars))
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, IsTruthy(nil))
	assert.False(t, IsTruthy(""))
	assert.False(t, IsTruthy(int64(0)))
	assert.False(t, IsTruthy(0.0))
	assert.True(t, IsTruthy("x"))
	assert.True(t, IsTruthy(1))
	assert.True(t, IsTruthy([]string{}))
}

func TestToFloat64(t *testing.T) {
	assert.Equal(t, 1.5, ToFloat64(1.5))
	assert.Equal(t, 2.0, ToFloat64(2))
	assert.Equal(t, 3.0, ToFloat64(int64(3)))
	assert.Equal(t, 4.25, ToFloat64("4.25"))
	assert.Equal(t, 0.0, ToFloat64(true))
}
