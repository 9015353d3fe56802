package domain

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is a single structured instruction extracted from model output.
// Tool names are namespaced as "<surface>.<action>", e.g. "browser.openNewTab".
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ToolResult is the terminal outcome of executing one ToolCall. Exactly one of
// Result/Error is populated on success/failure; Result may carry partial
// diagnostic data alongside Error on failures.
type ToolResult struct {
	Tool   string `json:"tool"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

var toolNamePattern = regexp.MustCompile(`^[a-z]+\.[a-zA-Z]+$`)

// ValidToolName reports whether name matches the required namespace.action shape.
func ValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// Namespace returns the part of the tool name before the dot, or "" when the
// name is not namespaced.
func (c ToolCall) Namespace() string {
	if i := strings.IndexByte(c.Tool, '.'); i > 0 {
		return c.Tool[:i]
	}
	return ""
}

// Action returns the part of the tool name after the dot.
func (c ToolCall) Action() string {
	if i := strings.IndexByte(c.Tool, '.'); i >= 0 && i+1 < len(c.Tool) {
		return c.Tool[i+1:]
	}
	return ""
}

// ArgString returns args[key] as a string, marshalling non-string values.
func (c ToolCall) ArgString(key string) string {
	if c.Args == nil {
		return ""
	}
	v, ok := c.Args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgsSummary renders a compact one-line view of the call arguments, suitable
// for logs and the error log. Truncated so a pathological payload cannot bloat
// the next prompt.
func (c ToolCall) ArgsSummary(max int) string {
	if len(c.Args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Args)
	if err != nil {
		return "{}"
	}
	s := string(b)
	if max > 0 && len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
