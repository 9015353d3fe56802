// Package browser manages the Chrome instance behind the browser.* and
// whatsapp.* tools. Each tab is one automation surface; chat tabs carry an
// in-page agent that answers Send/Probe round-trips.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"tabpilot/internal/domain"
)

const (
	// whatsappSendURL deep-links WhatsApp Web at a specific chat.
	whatsappSendURL = "https://web.whatsapp.com/send?phone=%s"
	whatsappHost    = "web.whatsapp.com"

	evalTimeout = 20 * time.Second
)

// Bridge owns one Chrome instance and its tabs, implementing
// domain.SurfaceManager.
type Bridge struct {
	profileDir string
	headless   bool
	logger     *slog.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	tabs        map[string]*tab // keyed by target ID
}

type tab struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	openedAt time.Time
}

// Config holds configuration for the browser bridge.
type Config struct {
	ProfileDir string // Chrome user data directory (persists cookies/sessions)
	Headless   bool
	Logger     *slog.Logger
}

func NewBridge(cfg Config) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".tabpilot", "chrome-profiles", "default")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     cfg.Logger,
		tabs:       make(map[string]*tab),
	}
}

// Start launches Chrome with the bridge's profile. Must be called before any
// other method.
func (b *Bridge) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir %s: %w", b.profileDir, err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if b.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	b.rootCtx, b.rootCancel = chromedp.NewContext(b.allocCtx)

	// Force the browser process up so later tab opens are fast.
	if err := chromedp.Run(b.rootCtx); err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}
	b.logger.Info("chrome started", "profile", b.profileDir, "headless", b.headless)
	return nil
}

// Login opens a visible browser at url for the user to log in manually; the
// session persists in the profile directory.
func (b *Bridge) Login(ctx context.Context, url string) error {
	b.logger.Info("opening browser for login", "url", url)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Please log in manually. Press Ctrl+C when done.")
	<-ctx.Done()
	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// OpenTab opens a new tab at url and registers it as an automation surface.
func (b *Bridge) OpenTab(ctx context.Context, url string) (domain.Target, error) {
	b.mu.Lock()
	root := b.rootCtx
	b.mu.Unlock()
	if root == nil {
		return domain.Target{}, fmt.Errorf("browser not started")
	}

	tabCtx, tabCancel := chromedp.NewContext(root)
	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	); err != nil {
		tabCancel()
		return domain.Target{}, fmt.Errorf("open tab at %s: %w", url, err)
	}

	c := chromedp.FromContext(tabCtx)
	id := string(c.Target.TargetID)
	t := &tab{id: id, ctx: tabCtx, cancel: tabCancel, openedAt: time.Now()}

	b.mu.Lock()
	b.tabs[id] = t
	b.mu.Unlock()

	if err := b.injectAgent(tabCtx, url); err != nil {
		b.logger.Warn("page agent injection failed", "target", id, "error", err)
	}

	b.logger.Info("tab opened", "target", id, "url", url)
	return b.describeTab(ctx, t, true)
}

// OpenChat deep-links a WhatsApp Web tab at identity (a phone number).
func (b *Bridge) OpenChat(ctx context.Context, identity string) (domain.Target, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, identity)
	if digits == "" {
		return domain.Target{}, &domain.ValidationError{Tool: "whatsapp.openChat",
			Reason: "identity has no digits"}
	}
	return b.OpenTab(ctx, fmt.Sprintf(whatsappSendURL, digits))
}

// CloseTab closes the tab and forgets its surface.
func (b *Bridge) CloseTab(ctx context.Context, targetID string) error {
	t, err := b.lookup(targetID)
	if err != nil {
		return err
	}
	if err := chromedp.Run(t.ctx, page.Close()); err != nil {
		b.logger.Warn("page close failed, dropping tab anyway", "target", targetID, "error", err)
	}
	t.cancel()

	b.mu.Lock()
	delete(b.tabs, targetID)
	b.mu.Unlock()
	b.logger.Info("tab closed", "target", targetID)
	return nil
}

// FocusTab brings the tab to the foreground.
func (b *Bridge) FocusTab(ctx context.Context, targetID string) error {
	t, err := b.lookup(targetID)
	if err != nil {
		return err
	}
	if err := chromedp.Run(t.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.ActivateTarget(target.ID(targetID)).Do(ctx)
	})); err != nil {
		return fmt.Errorf("focus tab %s: %w", targetID, err)
	}
	return nil
}

// Navigate points an existing tab at url and re-injects the page agent.
func (b *Bridge) Navigate(ctx context.Context, targetID, url string) error {
	t, err := b.lookup(targetID)
	if err != nil {
		return err
	}
	if err := chromedp.Run(t.ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	); err != nil {
		return fmt.Errorf("navigate %s to %s: %w", targetID, url, err)
	}
	if err := b.injectAgent(t.ctx, url); err != nil {
		b.logger.Warn("page agent injection failed", "target", targetID, "error", err)
	}
	return nil
}

// Send implements domain.SurfaceTransport: one action round-trip against the
// in-page agent. Channel failures while the agent is still initializing come
// back with the runtime's own error strings and are classified upstream.
func (b *Bridge) Send(ctx context.Context, targetID, action string, args map[string]any) (any, error) {
	t, err := b.lookup(targetID)
	if err != nil {
		return nil, err
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(t.ctx, evalTimeout)
	defer cancel()

	var encoded string
	expr := fmt.Sprintf(agentDispatchExpr, jsString(action), string(argsJSON))
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(expr, &encoded,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		})); err != nil {
		return nil, err
	}

	var reply agentReply
	if err := json.Unmarshal([]byte(encoded), &reply); err != nil {
		return nil, fmt.Errorf("decode agent reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("%s", reply.Error)
	}
	return reply.Result, nil
}

// Probe implements domain.SurfaceTransport: a lightweight read of the agent's
// readiness and the identity of the chat it is showing.
func (b *Bridge) Probe(ctx context.Context, targetID string) (domain.ReadinessState, error) {
	t, err := b.lookup(targetID)
	if err != nil {
		return domain.ReadinessState{}, err
	}

	evalCtx, cancel := context.WithTimeout(t.ctx, evalTimeout)
	defer cancel()

	var encoded string
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(agentProbeExpr, &encoded)); err != nil {
		return domain.ReadinessState{LastError: err.Error()}, err
	}

	var probe struct {
		Ready    bool   `json:"ready"`
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal([]byte(encoded), &probe); err != nil {
		return domain.ReadinessState{LastError: err.Error()}, err
	}
	return domain.ReadinessState{Ready: probe.Ready, ObservedIdentity: probe.Identity}, nil
}

// RequestSnapshot implements domain.SnapshotSource by listing Chrome's live
// targets and reconciling the tab table against them.
func (b *Bridge) RequestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	b.mu.Lock()
	root := b.rootCtx
	b.mu.Unlock()
	if root == nil {
		return domain.Snapshot{}, fmt.Errorf("browser not started")
	}

	infos, err := chromedp.Targets(root)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list targets: %w", err)
	}

	live := make(map[string]*target.Info, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			live[string(info.TargetID)] = info
		}
	}

	// Drop tabs the browser no longer knows about (closed by the user).
	b.mu.Lock()
	for id, t := range b.tabs {
		if _, ok := live[id]; !ok {
			t.cancel()
			delete(b.tabs, id)
		}
	}
	tabs := make([]*tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		tabs = append(tabs, t)
	}
	b.mu.Unlock()

	snap := domain.Snapshot{TakenAt: time.Now()}
	for _, t := range tabs {
		info := live[t.id]
		tgt := domain.Target{
			ID:       t.id,
			Kind:     kindForURL(info.URL),
			URL:      info.URL,
			Title:    info.Title,
			OpenedAt: t.openedAt,
		}
		if tgt.Kind == "chat" {
			if st, err := b.Probe(ctx, t.id); err == nil {
				tgt.Identity = st.ObservedIdentity
			}
		}
		snap.Targets = append(snap.Targets, tgt)
	}
	b.markFocused(snap.Targets)
	return snap, nil
}

// markFocused asks each tab whether it has document focus; the first that
// answers yes wins.
func (b *Bridge) markFocused(targets []domain.Target) {
	for i := range targets {
		t, err := b.lookup(targets[i].ID)
		if err != nil {
			continue
		}
		evalCtx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
		var focused bool
		err = chromedp.Run(evalCtx, chromedp.Evaluate(`document.hasFocus()`, &focused))
		cancel()
		if err == nil && focused {
			targets[i].Focused = true
			return
		}
	}
}

// Close tears down all tabs and the browser process.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.tabs {
		t.cancel()
		delete(b.tabs, id)
	}
	if b.rootCancel != nil {
		b.rootCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

func (b *Bridge) lookup(targetID string) (*tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[targetID]
	if !ok {
		return nil, fmt.Errorf("unknown target %s", targetID)
	}
	return t, nil
}

func (b *Bridge) describeTab(ctx context.Context, t *tab, focused bool) (domain.Target, error) {
	var url, title string
	evalCtx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	if err := chromedp.Run(evalCtx,
		chromedp.Location(&url),
		chromedp.Title(&title),
	); err != nil {
		return domain.Target{}, err
	}
	return domain.Target{
		ID:       t.id,
		Kind:     kindForURL(url),
		URL:      url,
		Title:    title,
		Focused:  focused,
		OpenedAt: t.openedAt,
	}, nil
}

func kindForURL(url string) string {
	if strings.Contains(url, whatsappHost) {
		return "chat"
	}
	return "page"
}

func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
