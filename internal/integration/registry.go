// Package integration is the handler behind the integration.call tool: a
// YAML-declared allow-list of named HTTP endpoints. Only integrations named
// in the registry file can be reached; everything else is rejected before a
// connection is made.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tabpilot/internal/domain"
)

// Entry declares one allowed integration endpoint.
type Entry struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`  // defaults to POST
	Headers map[string]string `yaml:"headers"` // static headers, e.g. auth
	Timeout time.Duration     `yaml:"timeout"`
}

type registryFile struct {
	Integrations []Entry `yaml:"integrations"`
}

// Registry resolves integration names to endpoints and performs the calls.
type Registry struct {
	entries map[string]Entry
	client  *http.Client
	logger  *slog.Logger
}

// Config configures a Registry.
type Config struct {
	Path   string // YAML registry file; missing file means an empty allow-list
	Client *http.Client
	Logger *slog.Logger
}

func Load(cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	r := &Registry{
		entries: make(map[string]Entry),
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
	if cfg.Path == "" {
		return r, nil
	}

	raw, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		cfg.Logger.Info("integration registry not found, allow-list is empty", "path", cfg.Path)
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read integration registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse integration registry: %w", err)
	}
	for _, e := range file.Integrations {
		if err := validateEntry(e); err != nil {
			return nil, fmt.Errorf("integration %q: %w", e.Name, err)
		}
		r.entries[strings.ToLower(e.Name)] = e
	}
	cfg.Logger.Info("integration registry loaded", "path", cfg.Path, "entries", len(r.entries))
	return r, nil
}

func validateEntry(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("missing name")
	}
	if !strings.HasPrefix(e.URL, "https://") && !strings.HasPrefix(e.URL, "http://") {
		return fmt.Errorf("url must be absolute http(s)")
	}
	return nil
}

// Names returns the allow-listed integration names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Call invokes the named integration with input as a JSON body and returns
// the decoded response. Unknown names fail as validation errors; transient
// upstream failures are retried with backoff before surfacing.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (any, error) {
	entry, ok := r.entries[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, &domain.ValidationError{Tool: "integration.call",
			Reason: fmt.Sprintf("unknown integration %q", name)}
	}

	method := entry.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, &domain.ValidationError{Tool: "integration.call",
			Reason: fmt.Sprintf("input not serializable: %v", err)}
	}

	callCtx := ctx
	if entry.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, entry.Timeout)
		defer cancel()
	}

	buildReq := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(callCtx, method, entry.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range entry.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}

	resp, err := doWithRetry(callCtx, r.client, buildReq, r.logger)
	if err != nil {
		return nil, &domain.DomainError{Surface: "integration.call",
			Reason: fmt.Sprintf("%s: %v", entry.Name, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.DomainError{Surface: "integration.call",
			Reason: fmt.Sprintf("%s: read response: %v", entry.Name, err)}
	}
	if resp.StatusCode >= 400 {
		return nil, &domain.DomainError{Surface: "integration.call",
			Reason: fmt.Sprintf("%s: HTTP %d: %s", entry.Name, resp.StatusCode, truncate(string(raw), 200))}
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Non-JSON upstreams are allowed; return the raw text.
		return string(raw), nil
	}
	return decoded, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
