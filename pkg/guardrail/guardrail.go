// Package guardrail screens user queries before they reach the pipeline.
//
// A Guardrail holds an ordered list of rules. Each rule is a condition over
// the query variables; the first rule that matches rejects the query with
// the rule's message.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultMessage is returned when a matching rule has no message.
const DefaultMessage = "Sorry, I can't help with that request."

// DefaultMaxQueryLength bounds the query length in runes.
const DefaultMaxQueryLength = 2000

// Rule rejects a query when its condition holds.
//
// Conditions see these variables:
//
//	query   the query, lower-cased and trimmed
//	raw     the query as received
//	length  the query length in runes
//	words   the number of whitespace-separated words
type Rule struct {
	Name    string `yaml:"name"`
	When    string `yaml:"when"`
	Message string `yaml:"message"`
}

// Verdict is the outcome of a check.
type Verdict struct {
	Safe    bool
	Message string
	Rule    string
}

// DefaultRules reject empty queries and common prompt-injection phrasing.
var DefaultRules = []Rule{
	{
		Name:    "empty",
		When:    "length == 0",
		Message: "Please enter a question.",
	},
	{
		Name:    "prompt_injection",
		When:    `query contains 'ignore previous instructions' or query contains 'ignore all previous instructions' or query contains 'disregard your instructions' or query matches 'reveal (your|the) system prompt'`,
		Message: "Sorry, I can't help with that request. Please ask about the service or your financial data.",
	},
	{
		Name:    "credentials",
		When:    `query matches '(password|pin|cvv) (of|for) (another|other) (user|account)'`,
		Message: "Sorry, I can't share other users' credentials or account data.",
	},
}

// Guardrail checks queries against rules. It is safe for concurrent use.
type Guardrail struct {
	rules     []Rule
	maxLength int
	eval      *Evaluator
	logger    *slog.Logger
}

// Option configures a Guardrail.
type Option func(*Guardrail)

// WithRules replaces the rule list.
func WithRules(rules []Rule) Option {
	return func(g *Guardrail) {
		g.rules = append([]Rule(nil), rules...)
	}
}

// WithMaxLength rejects queries longer than n runes. Zero disables the check.
func WithMaxLength(n int) Option {
	return func(g *Guardrail) {
		g.maxLength = n
	}
}

// WithLogger sets the logger for rules that fail to evaluate.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guardrail) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithEvaluator replaces the condition evaluator.
func WithEvaluator(e *Evaluator) Option {
	return func(g *Guardrail) {
		if e != nil {
			g.eval = e
		}
	}
}

// New creates a Guardrail with DefaultRules.
func New(opts ...Option) *Guardrail {
	g := &Guardrail{
		rules:     DefaultRules,
		maxLength: DefaultMaxQueryLength,
		eval:      NewEvaluator(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates query against the rules in order.
// A rule whose condition cannot be evaluated is logged and skipped.
func (g *Guardrail) Check(ctx context.Context, query string) Verdict {
	length := utf8.RuneCountInString(query)
	if g.maxLength > 0 && length > g.maxLength {
		return Verdict{
			Safe:    false,
			Rule:    "max_length",
			Message: fmt.Sprintf("Your question is too long. Please keep it under %d characters.", g.maxLength),
		}
	}

	vars := map[string]any{
		"query":  strings.ToLower(strings.TrimSpace(query)),
		"raw":    query,
		"length": int64(utf8.RuneCountInString(strings.TrimSpace(query))),
		"words":  int64(len(strings.Fields(query))),
	}

	for _, rule := range g.rules {
		if ctx.Err() != nil {
			break
		}
		matched, err := g.eval.Evaluate(rule.When, vars)
		if err != nil {
			g.logger.Warn("guardrail rule failed",
				slog.String("rule", rule.Name),
				slog.String("error", err.Error()))
			continue
		}
		if matched {
			msg := rule.Message
			if msg == "" {
				msg = DefaultMessage
			}
			return Verdict{Safe: false, Message: msg, Rule: rule.Name}
		}
	}
	return Verdict{Safe: true}
}

// Rules returns a copy of the configured rules.
func (g *Guardrail) Rules() []Rule {
	return append([]Rule(nil), g.rules...)
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule list:
//
//	rules:
//	  - name: competitors
//	    when: query contains 'competitor'
//	    message: I can only answer questions about this service.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse guardrail rules: %w", err)
	}
	for i, r := range f.Rules {
		if strings.TrimSpace(r.When) == "" {
			return nil, fmt.Errorf("guardrail rule %d (%s): empty condition", i, r.Name)
		}
		if r.Name == "" {
			f.Rules[i].Name = fmt.Sprintf("rule_%d", i)
		}
	}
	return f.Rules, nil
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guardrail rules: %w", err)
	}
	return ParseRules(data)
}
