// Package prompt renders the prompts sent to the language model.
//
// Prompts are plain text with ${var} placeholders. Rendering fails when a
// placeholder has no value, so a prompt never reaches the model half-filled.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// bracePattern matches ${varname}; varname is alphanumeric and underscore.
var bracePattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// MissingAction specifies how to handle missing variables.
type MissingAction int

const (
	// MissingError returns an error when a variable is not found.
	// This is the default behavior.
	MissingError MissingAction = iota

	// MissingKeep keeps the placeholder as-is.
	MissingKeep

	// MissingEmpty replaces the placeholder with an empty string.
	MissingEmpty
)

// Expander expands ${var} placeholders. It is safe for concurrent use.
type Expander struct {
	missingAction MissingAction
}

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction sets how missing variables are handled.
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) {
		e.missingAction = action
	}
}

// NewExpander creates an Expander. Missing variables are an error unless
// configured otherwise.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{missingAction: MissingError}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand replaces every ${var} in s with its value from vars.
//
// Example:
//
//	exp := prompt.NewExpander()
//	out, err := exp.Expand("User question: ${query}", map[string]any{"query": "Hi"})
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	result := bracePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := vars[name]; ok {
			return fmt.Sprintf("%v", val)
		}
		switch e.missingAction {
		case MissingEmpty:
			return ""
		case MissingError:
			missing = append(missing, name)
		}
		return match
	})

	if len(missing) > 0 {
		return result, &UndefinedVariableError{Names: missing}
	}
	return result, nil
}

// Variables lists the placeholder names in s, in order of first use.
func Variables(s string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range bracePattern.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// UndefinedVariableError is returned when one or more variables are not
// found and MissingError is in effect.
type UndefinedVariableError struct {
	// Names is the list of undefined variable names.
	Names []string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}
