package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// agentReply is the JSON envelope every agent dispatch resolves to.
type agentReply struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result"`
	Error  string `json:"error"`
}

// agentDispatchExpr calls the in-page agent. Resolves to an agentReply; a
// missing agent rejects with "no listener registered", which the dispatcher
// treats as recoverable.
const agentDispatchExpr = `
(async () => {
  if (!window.__tabpilot || !window.__tabpilot.dispatch) {
    throw new Error("no listener registered");
  }
  try {
    const result = await window.__tabpilot.dispatch(%s, %s);
    return JSON.stringify({ ok: true, result: result === undefined ? null : result });
  } catch (err) {
    return JSON.stringify({ ok: false, error: String(err && err.message || err) });
  }
})()`

// agentProbeExpr is the lightweight readiness read. It never throws.
const agentProbeExpr = `
JSON.stringify((() => {
  if (!window.__tabpilot || !window.__tabpilot.probe) {
    return { ready: false, identity: "" };
  }
  try { return window.__tabpilot.probe(); }
  catch (err) { return { ready: false, identity: "" }; }
})())`

// chatAgentScript installs window.__tabpilot on WhatsApp Web pages. The
// selectors track WhatsApp Web's DOM; readiness means the chat pane rendered
// and the compose box is present.
const chatAgentScript = `
(() => {
  if (window.__tabpilot) return;

  const composeBox = () =>
    document.querySelector('footer [contenteditable="true"]');

  const currentIdentity = () => {
    const m = location.search.match(/[?&]phone=(\d+)/);
    if (m) return m[1];
    const header = document.querySelector('header [data-testid="conversation-info-header"] span[title]')
      || document.querySelector('header span[title]');
    return header ? header.getAttribute('title') || '' : '';
  };

  const typeInto = (el, text) => {
    el.focus();
    document.execCommand('insertText', false, text);
    el.dispatchEvent(new InputEvent('input', { bubbles: true }));
  };

  const sendCurrent = () => {
    const btn = document.querySelector('button[aria-label="Send"], [data-testid="send"]');
    if (btn) { btn.click(); return; }
    const box = composeBox();
    if (!box) throw new Error('compose box not found');
    box.dispatchEvent(new KeyboardEvent('keydown',
      { key: 'Enter', code: 'Enter', keyCode: 13, bubbles: true }));
  };

  window.__tabpilot = {
    probe() {
      return { ready: !!composeBox(), identity: currentIdentity() };
    },
    async dispatch(action, args) {
      args = args || {};
      switch (action) {
        case 'sendMessage': {
          const box = composeBox();
          if (!box) throw new Error('receiving end does not exist');
          typeInto(box, String(args.text || ''));
          await new Promise(r => setTimeout(r, 150));
          sendCurrent();
          return { sent: true, identity: currentIdentity() };
        }
        case 'readState':
          return this.probe();
        default:
          throw new Error('unknown action: ' + action);
      }
    },
  };
})();`

// pageAgentScript is the generic agent for non-chat tabs: read-only state
// plus a scroll action.
const pageAgentScript = `
(() => {
  if (window.__tabpilot) return;
  window.__tabpilot = {
    probe() {
      return { ready: document.readyState === 'complete', identity: '' };
    },
    async dispatch(action, args) {
      args = args || {};
      switch (action) {
        case 'readState':
          return { url: location.href, title: document.title };
        case 'scroll':
          window.scrollBy(0, Number(args.dy || window.innerHeight));
          return { scrolled: true };
        default:
          throw new Error('unknown action: ' + action);
      }
    },
  };
})();`

// injectAgent installs the page agent matching the tab's destination.
func (b *Bridge) injectAgent(tabCtx context.Context, url string) error {
	script := pageAgentScript
	if strings.Contains(url, whatsappHost) {
		script = chatAgentScript
	}

	evalCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("inject agent: %w", err)
	}
	return nil
}
