// Package intent synthesizes a tool call directly from short, unambiguous user
// commands so that model latency never blocks them. It is strictly a fallback:
// whenever the tool-call parser extracted anything from model output, that
// output wins and the detector must not run.
package intent

import (
	"log/slog"
	"strings"

	"tabpilot/internal/domain"
	"tabpilot/internal/textnorm"
)

// AliasMatcher is the prefix-matching slice of the alias book the detector
// needs to separate a recipient from a message body.
type AliasMatcher interface {
	MatchPrefix(text string) (domain.AliasRecord, string, bool)
}

// Options tunes a single Detect invocation.
type Options struct {
	Source string // "user" | "model"; recorded in logs only
}

// Detector applies a small ordered set of English/Spanish heuristics.
type Detector struct {
	aliases      AliasMatcher
	logger       *slog.Logger
	destinations map[string]string
}

// Config configures a Detector. Destinations maps a normalized spoken name
// ("whatsapp", "correo") to the URL to open; nil uses the built-in set.
type Config struct {
	Aliases      AliasMatcher
	Logger       *slog.Logger
	Destinations map[string]string
}

func NewDetector(cfg Config) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dests := cfg.Destinations
	if dests == nil {
		dests = defaultDestinations()
	}
	return &Detector{
		aliases:      cfg.Aliases,
		logger:       cfg.Logger,
		destinations: dests,
	}
}

func defaultDestinations() map[string]string {
	return map[string]string{
		"whatsapp":     "https://web.whatsapp.com",
		"whatsapp web": "https://web.whatsapp.com",
		"gmail":        "https://mail.google.com",
		"correo":       "https://mail.google.com",
		"calendar":     "https://calendar.google.com",
		"calendario":   "https://calendar.google.com",
		"youtube":      "https://www.youtube.com",
		"maps":         "https://maps.google.com",
		"mapas":        "https://maps.google.com",
		"drive":        "https://drive.google.com",
	}
}

// Detect returns zero or one synthesized tool calls for userText.
// Heuristics run in a fixed order: negation wins over everything, then
// open-destination phrasings, then send-message phrasings.
func (d *Detector) Detect(userText string, opts Options) []domain.ToolCall {
	normalized := textnorm.Normalize(userText)
	if normalized == "" {
		return nil
	}

	if hasNegation(normalized) {
		return nil
	}

	if call, ok := d.matchOpenDestination(normalized); ok {
		d.logger.Debug("direct intent: open destination", "source", opts.Source, "tool", call.Tool)
		return []domain.ToolCall{call}
	}

	if call, ok := d.matchSendMessage(userText, normalized); ok {
		d.logger.Debug("direct intent: send message", "source", opts.Source, "tool", call.Tool)
		return []domain.ToolCall{call}
	}

	return nil
}

// --- negation ---

var negationLeads = []string{
	"no ", "don't ", "dont ", "do not ", "never ", "nunca ", "ya no ",
}

var cancelWords = map[string]bool{
	"cancel": true, "cancela": true, "cancelar": true, "cancelalo": true,
	"nevermind": true, "olvida": true, "olvidalo": true, "forget": true,
	"stop": true, "para": true, "detente": true,
}

// hasNegation recognizes cancel/negated phrasings: a leading negation, or a
// cancel word anywhere in the first few tokens.
func hasNegation(normalized string) bool {
	for _, lead := range negationLeads {
		if strings.HasPrefix(normalized, lead) {
			return true
		}
	}
	tokens := strings.Split(normalized, " ")
	limit := len(tokens)
	if limit > 4 {
		limit = 4
	}
	for _, tok := range tokens[:limit] {
		if cancelWords[strings.Trim(tok, ",.!?;:")] {
			return true
		}
	}
	return false
}

// --- open well-known destination ---

var openVerbs = []string{
	"open ", "launch ", "go to ", "abre ", "abrir ", "abreme ", "ve a ", "entra a ",
}

var destinationArticles = []string{"the ", "el ", "la ", "mi "}

func (d *Detector) matchOpenDestination(normalized string) (domain.ToolCall, bool) {
	var rest string
	for _, verb := range openVerbs {
		if strings.HasPrefix(normalized, verb) {
			rest = normalized[len(verb):]
			break
		}
	}
	if rest == "" {
		return domain.ToolCall{}, false
	}
	for _, art := range destinationArticles {
		rest = strings.TrimPrefix(rest, art)
	}

	url, ok := d.destinations[rest]
	if !ok {
		return domain.ToolCall{}, false
	}
	return domain.ToolCall{
		Tool: "browser.openNewTab",
		Args: map[string]any{"url": url},
	}, true
}

// --- send a message to <recipient> [saying <text>] ---

var sendLeads = []string{
	"send a message to ", "send a msg to ", "send a text to ", "send message to ",
	"message ", "text ",
	"envia un mensaje a ", "enviale un mensaje a ", "manda un mensaje a ",
	"mandale un mensaje a ", "escribele a ", "escribe a ", "dile a ",
}

// connectors introduce the message body after the recipient.
var connectors = []string{
	"saying that ", "saying ", "that says ", "telling him ", "telling her ",
	"diciendo que ", "diciendole que ", "diciendo ", "que diga ", "que ",
}

func (d *Detector) matchSendMessage(original, normalized string) (domain.ToolCall, bool) {
	var remainder string
	for _, lead := range sendLeads {
		if strings.HasPrefix(normalized, lead) {
			remainder = strings.TrimSpace(normalized[len(lead):])
			break
		}
	}
	if remainder == "" {
		return domain.ToolCall{}, false
	}

	recipient, message, viaAlias := d.splitRecipientMessage(original, remainder)
	if recipient == "" {
		return domain.ToolCall{}, false
	}

	args := map[string]any{}
	if viaAlias.Target != "" {
		args["phone"] = viaAlias.Target
	} else {
		args["contact"] = recipient
	}

	if message == "" {
		return domain.ToolCall{Tool: "whatsapp.openChat", Args: args}, true
	}
	args["text"] = message
	return domain.ToolCall{Tool: "whatsapp.openChatAndSendMessage", Args: args}, true
}

// splitRecipientMessage separates "<recipient> [connector] <message>" using,
// in order: longest alias prefix, a quoted segment, a ':'/',' separator, then
// a short leading-words heuristic. The returned message has any leading
// connector stripped.
func (d *Detector) splitRecipientMessage(original, remainder string) (string, string, domain.AliasRecord) {
	// 1. Alias prefix: longest stored alias leading the remainder wins.
	if d.aliases != nil {
		if rec, rest, ok := d.aliases.MatchPrefix(remainder); ok {
			return rec.Alias, stripConnector(rest), rec
		}
	}

	// 2. Quoted segment in the original text is the message body.
	if quoted, ok := extractQuoted(original); ok {
		recipient := remainder
		if i := strings.Index(remainder, textnorm.Normalize(quoted)); i > 0 {
			recipient = remainder[:i]
		}
		recipient = strings.TrimSpace(strings.Trim(strings.TrimSpace(recipient), `"'“”`))
		recipient = trimTrailingConnector(recipient)
		return recipient, quoted, domain.AliasRecord{}
	}

	// 3. Explicit separator.
	if i := strings.IndexAny(remainder, ":,"); i > 0 {
		return strings.TrimSpace(remainder[:i]), strings.TrimSpace(remainder[i+1:]), domain.AliasRecord{}
	}

	// 4. Connector keyword.
	for _, conn := range connectors {
		if i := strings.Index(remainder, " "+conn); i > 0 {
			return strings.TrimSpace(remainder[:i]), strings.TrimSpace(remainder[i+1+len(conn):]), domain.AliasRecord{}
		}
	}

	// 5. Short prefix: 1-2 leading words form the recipient. Two words only
	// when enough remains for a plausible message body, one otherwise.
	tokens := strings.Split(remainder, " ")
	switch {
	case len(tokens) >= 5:
		return tokens[0] + " " + tokens[1], stripConnector(strings.Join(tokens[2:], " ")), domain.AliasRecord{}
	case len(tokens) >= 2:
		return tokens[0], stripConnector(strings.Join(tokens[1:], " ")), domain.AliasRecord{}
	default:
		return remainder, "", domain.AliasRecord{}
	}
}

// stripConnector removes one leading connector keyword from a message body.
func stripConnector(s string) string {
	for _, conn := range connectors {
		if strings.HasPrefix(s, conn) {
			return strings.TrimSpace(s[len(conn):])
		}
	}
	return s
}

// trimTrailingConnector removes a dangling connector left before a quote,
// e.g. `mario saying "..."` -> recipient "mario".
func trimTrailingConnector(s string) string {
	for _, conn := range connectors {
		trimmed := strings.TrimSuffix(s, " "+strings.TrimSpace(conn))
		if trimmed != s {
			return trimmed
		}
	}
	return s
}

// extractQuoted returns the first "...", '...' or “...” segment of s.
func extractQuoted(s string) (string, bool) {
	pairs := [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}}
	for _, p := range pairs {
		start := strings.Index(s, p[0])
		if start < 0 {
			continue
		}
		rest := s[start+len(p[0]):]
		end := strings.Index(rest, p[1])
		if end <= 0 {
			continue
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}
