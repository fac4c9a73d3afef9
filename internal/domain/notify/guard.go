package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/order"
)

var (
	_ Guard         = (*MemoryGuard)(nil)
	_ Sink          = (*LogSink)(nil)
	_ TokenResolver = StaticTokens(nil)
)

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
	return nil
}

// LogSink writes intents to the log instead of delivering them.
type LogSink struct {
	lg *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(lg *zap.Logger) *LogSink {
	return &LogSink{lg: lg}
}

func (s *LogSink) Send(_ context.Context, intent Intent) error {
	s.lg.Info("Notification intent",
		zap.String("key", intent.Key),
		zap.String("title", intent.Title),
		zap.String("body", intent.Body),
		zap.Strings("tokens", intent.TargetTokens),
		zap.Any("metadata", intent.Metadata),
	)
	return nil
}

// StaticTokens resolves device tokens by partner ID.
type StaticTokens map[string][]string

func (t StaticTokens) Tokens(_ context.Context, o order.Order) ([]string, error) {
	tokens := t[o.PartnerID]
	out := make([]string, len(tokens))
	copy(out, tokens)
	return out, nil
}
