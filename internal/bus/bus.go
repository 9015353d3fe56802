package bus

import (
	"log/slog"
	"sync"
	"time"

	"tabpilot/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based bus connecting control channels to the
// tool pipeline inside one process.
type InMemoryBus struct {
	inbound  chan domain.InboundText
	handlers map[string]func(domain.OutboundBatch)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundText, bufferSize),
		handlers: make(map[string]func(domain.OutboundBatch)),
		logger:   logger,
	}
}

// Publish enqueues an inbound text event. Blocks up to 10 seconds if the bus
// is full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.InboundText) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting...", "channel", msg.Channel, "session", msg.SessionID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("event delivered after wait", "channel", msg.Channel)
		case <-timer.C:
			b.logger.Error("event dropped: bus full for 10s",
				"channel", msg.Channel,
				"session", msg.SessionID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundText {
	return b.inbound
}

func (b *InMemoryBus) SendOutbound(batch domain.OutboundBatch) {
	b.mu.RLock()
	handler, ok := b.handlers[batch.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", batch.Channel)
		return
	}

	handler(batch)
}

// OnOutbound registers the delivery handler for a control channel.
func (b *InMemoryBus) OnOutbound(channel string, handler func(domain.OutboundBatch)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
}
