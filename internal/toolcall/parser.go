// Package toolcall extracts structured tool invocations from raw LLM output.
package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"tabpilot/internal/domain"
)

const DefaultMaxCalls = 3

// Options tunes a single Parse invocation.
type Options struct {
	MaxCalls int                              // batch truncation limit (default 3)
	Diag     func(format string, args ...any) // diagnostic sink for dropped entries
}

// Parser extracts tool calls from model text. Zero value is not usable;
// construct with NewParser.
type Parser struct {
	opts Options
}

func NewParser(opts Options) *Parser {
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = DefaultMaxCalls
	}
	if opts.Diag == nil {
		opts.Diag = func(string, ...any) {}
	}
	return &Parser{opts: opts}
}

// Parse scans text for fenced blocks tagged as tool payloads and returns the
// valid calls, truncated to MaxCalls. Each block body must parse as JSON and
// be either a single {tool, args} object or an array of them. A single
// invalid entry is dropped with a diagnostic; it never fails the batch, and
// malformed input yields an empty slice. Parse never panics.
func (p *Parser) Parse(text string) []domain.ToolCall {
	var calls []domain.ToolCall
	for _, body := range extractFencedBlocks(text) {
		for _, c := range p.parseBlock(body) {
			calls = append(calls, c)
			if len(calls) >= p.opts.MaxCalls {
				p.opts.Diag("tool call batch truncated to %d", p.opts.MaxCalls)
				return calls
			}
		}
	}
	return calls
}

// fence tags accepted as tool payloads. Bare ```json is accepted too when the
// body has the tool-call shape; some models never emit the dedicated tag.
var fenceTags = map[string]bool{"tool": true, "tools": true, "toolcall": true, "json": true, "": true}

// extractFencedBlocks returns the bodies of all tagged code fences in text.
func extractFencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return blocks
		}
		rest = rest[start+3:]

		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return blocks
		}
		tag := strings.ToLower(strings.TrimSpace(rest[:nl]))
		body := rest[nl+1:]

		end := strings.Index(body, "```")
		if end < 0 {
			return blocks
		}
		if fenceTags[tag] {
			blocks = append(blocks, strings.TrimSpace(body[:end]))
		}
		rest = body[end+3:]
	}
}

// rawCall mirrors the accepted wire shape. Args may be absent.
type rawCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// parseBlock decodes one fenced body into zero or more valid calls.
func (p *Parser) parseBlock(body string) []domain.ToolCall {
	if body == "" {
		return nil
	}

	raws, err := p.decodeCalls(body)
	if err != nil {
		// Second chance: some models emit almost-JSON (trailing commas,
		// single quotes, unescaped characters). Repair before giving up.
		repaired, repairErr := jsonrepair.JSONRepair(body)
		if repairErr != nil {
			p.opts.Diag("dropping tool block: %v", err)
			return nil
		}
		raws, err = p.decodeCalls(repaired)
		if err != nil {
			p.opts.Diag("dropping tool block after repair: %v", err)
			return nil
		}
	}

	var calls []domain.ToolCall
	for _, rc := range raws {
		if !domain.ValidToolName(rc.Tool) {
			p.opts.Diag("dropping tool call with invalid name %q", rc.Tool)
			continue
		}
		args := rc.Args
		if args == nil {
			args = make(map[string]any)
		}
		calls = append(calls, domain.ToolCall{
			ID:   "call_" + uuid.NewString(),
			Tool: rc.Tool,
			Args: args,
		})
	}
	return calls
}

// decodeCalls accepts a single object or an array of objects. In the array
// form each element decodes on its own, so one wrong-shape entry drops that
// entry and not its siblings.
func (p *Parser) decodeCalls(body string) ([]rawCall, error) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "[") {
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &elems); err != nil {
			return nil, err
		}
		raws := make([]rawCall, 0, len(elems))
		for i, elem := range elems {
			var rc rawCall
			if err := json.Unmarshal(elem, &rc); err != nil {
				p.opts.Diag("dropping tool call entry %d: %v", i, err)
				continue
			}
			raws = append(raws, rc)
		}
		return raws, nil
	}
	var single rawCall
	if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
		return nil, err
	}
	if single.Tool == "" {
		return nil, fmt.Errorf("object has no tool field")
	}
	return []rawCall{single}, nil
}
