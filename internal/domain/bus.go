package domain

import "time"

// InboundText is one unit of raw text entering the pipeline: a model turn or a
// direct user utterance from the control channel.
type InboundText struct {
	Channel   string // originating control channel name
	SessionID string // logical conversation, also the staleness flow key
	Source    string // "model" | "user"
	Content   string
	Timestamp time.Time
}

// OutboundBatch carries the results of one executed tool-call batch back to
// the control channel, with the error-log summary for the next model turn.
type OutboundBatch struct {
	Channel      string       `json:"-"`
	SessionID    string       `json:"session_id"`
	Results      []ToolResult `json:"results"`
	ErrorSummary string       `json:"error_summary,omitempty"`
}

// TextBus is the in-process bus between control channels and the pipeline.
type TextBus interface {
	Publish(msg InboundText)
	Subscribe() <-chan InboundText
	SendOutbound(batch OutboundBatch)
	OnOutbound(channel string, handler func(OutboundBatch))
	Close()
}
