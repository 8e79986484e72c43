package tools

import (
	"fmt"
	"strings"
)

// ArgumentValidationError reports a missing or malformed argument of a
// function call. The call is still answered, with a failure-flagged
// response carrying this error's message.
type ArgumentValidationError struct {
	Tool   string
	Arg    string
	Reason string
}

func (e *ArgumentValidationError) Error() string {
	return fmt.Sprintf("tools: %s: argument %q %s", e.Tool, e.Arg, e.Reason)
}

// Args is the untyped argument bag of one function call.
type Args struct {
	tool string
	m    map[string]any
}

// NewArgs wraps the raw arguments of a call to tool.
func NewArgs(tool string, m map[string]any) Args {
	return Args{tool: tool, m: m}
}

// Raw returns the underlying map. It may be nil.
func (a Args) Raw() map[string]any { return a.m }

// String returns a required, non-blank string argument.
func (a Args) String(name string) (string, error) {
	v, ok := a.m[name]
	if !ok || v == nil {
		return "", a.invalid(name, "is required")
	}
	s, ok := v.(string)
	if !ok {
		return "", a.invalid(name, fmt.Sprintf("must be a string, got %T", v))
	}
	if strings.TrimSpace(s) == "" {
		return "", a.invalid(name, "must not be empty")
	}
	return s, nil
}

// OptionalString returns a string argument or def when it is absent or
// blank. A present value of another type is still an error.
func (a Args) OptionalString(name, def string) (string, error) {
	v, ok := a.m[name]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", a.invalid(name, fmt.Sprintf("must be a string, got %T", v))
	}
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return s, nil
}

// OneOf returns an optional string argument restricted to allowed values.
func (a Args) OneOf(name, def string, allowed ...string) (string, error) {
	s, err := a.OptionalString(name, def)
	if err != nil {
		return "", err
	}
	for _, v := range allowed {
		if s == v {
			return s, nil
		}
	}
	return "", a.invalid(name, fmt.Sprintf("must be one of %s, got %q", strings.Join(allowed, "|"), s))
}

func (a Args) invalid(name, reason string) error {
	return &ArgumentValidationError{Tool: a.tool, Arg: name, Reason: reason}
}
