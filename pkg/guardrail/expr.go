package guardrail

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// BinaryOp compares two values.
type BinaryOp func(left, right any) bool

// Evaluator evaluates rule conditions.
//
// Grammar:
//
//	<expr> := <expr> 'and' <expr> | <expr> 'or' <expr> | 'not' <expr> | '!' <expr>
//	        | <value> <op> <value> | <value>
//	<op>   := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains' | 'matches'
//
// Keywords and operators inside quoted strings are literal text.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// EvalOption configures an Evaluator.
type EvalOption func(*Evaluator)

// WithCustomOperator registers a word operator such as "starts_with".
func WithCustomOperator(name string, fn BinaryOp) EvalOption {
	return func(e *Evaluator) {
		e.customOps[name] = fn
	}
}

// NewEvaluator creates an Evaluator. The "matches" operator (regular
// expression match) is always available.
func NewEvaluator(opts ...EvalOption) *Evaluator {
	e := &Evaluator{customOps: map[string]BinaryOp{"matches": matches}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates a condition against vars.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	if strings.HasPrefix(expr, "not ") {
		result, err := e.Evaluate(strings.TrimPrefix(expr, "not "), vars)
		return !result, err
	}
	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		result, err := e.Evaluate(strings.TrimPrefix(expr, "!"), vars)
		return !result, err
	}

	// "or" binds looser than "and".
	if left, right, ok := cutOutsideQuotes(expr, " or "); ok {
		l, err := e.Evaluate(left, vars)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return e.Evaluate(right, vars)
	}
	if left, right, ok := cutOutsideQuotes(expr, " and "); ok {
		l, err := e.Evaluate(left, vars)
		if err != nil || !l {
			return false, err
		}
		return e.Evaluate(right, vars)
	}

	builtinOps := []struct {
		op      string
		compare BinaryOp
	}{
		{"==", func(l, r any) bool { return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r) }},
		{"!=", func(l, r any) bool { return fmt.Sprintf("%v", l) != fmt.Sprintf("%v", r) }},
		{">=", func(l, r any) bool { return ToFloat64(l) >= ToFloat64(r) }},
		{"<=", func(l, r any) bool { return ToFloat64(l) <= ToFloat64(r) }},
		{">", func(l, r any) bool { return ToFloat64(l) > ToFloat64(r) }},
		{"<", func(l, r any) bool { return ToFloat64(l) < ToFloat64(r) }},
		{" contains ", func(l, r any) bool {
			return strings.Contains(fmt.Sprintf("%v", l), fmt.Sprintf("%v", r))
		}},
	}
	for _, op := range builtinOps {
		if left, right, ok := cutOutsideQuotes(expr, op.op); ok {
			return op.compare(Resolve(left, vars), Resolve(right, vars)), nil
		}
	}

	for name, fn := range e.customOps {
		if left, right, ok := cutOutsideQuotes(expr, " "+name+" "); ok {
			return fn(Resolve(left, vars), Resolve(right, vars)), nil
		}
	}

	if strings.ContainsAny(expr, "'\"") && !isQuoted(expr) {
		return false, fmt.Errorf("malformed expression: %s", expr)
	}
	return IsTruthy(Resolve(expr, vars)), nil
}

// cutOutsideQuotes splits s around the first sep that is not inside a
// quoted string.
func cutOutsideQuotes(s, sep string) (before, after string, found bool) {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], sep):
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}

func isQuoted(s string) bool {
	return len(s) >= 2 &&
		((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"'))
}

func matches(left, right any) bool {
	re, err := regexp.Compile(fmt.Sprintf("%v", right))
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprintf("%v", left))
}

// Resolve resolves a value from variables or returns a literal.
// It handles quoted strings, booleans, null, numbers, and variable lookups.
func Resolve(s string, vars map[string]any) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if isQuoted(s) {
		return s[1 : len(s)-1]
	}

	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}

	var num json.Number
	if err := json.Unmarshal([]byte(s), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	if val, ok := vars[s]; ok {
		return val
	}

	// Unquoted identifier not in vars
	return s
}

// IsTruthy returns whether a value is truthy.
// nil is false, bools return their value, empty strings are false,
// zero numbers are false, everything else is true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

// ToFloat64 converts a value to float64 for numeric comparison.
// Returns 0 for values that cannot be converted.
func ToFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		var f float64
		_, _ = fmt.Sscanf(val, "%f", &f)
		return f
	default:
		return 0
	}
}
