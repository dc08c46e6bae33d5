package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"NexusAgent/pkg/logger"
)

// Event 是一次生命周期事件，Name 与审计动作同名，例如 escrow:funded。
type Event struct {
	Name       string    `json:"name"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Handler 处理进程内订阅到的事件。
type Handler func(ctx context.Context, event Event)

// Bus 在进程内同步广播事件。
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// NewBus 创建进程内事件总线。
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe 订阅指定名称的事件，name 为空表示订阅全部事件。
func (b *Bus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.all = append(b.all, h)
		return
	}
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish 依次调用订阅者，订阅者的 panic 会被记录而不会影响发布方。
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.all)+len(b.handlers[event.Name]))
	handlers = append(handlers, b.handlers[event.Name]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		dispatch(ctx, h, event)
	}
	return nil
}

func dispatch(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("events").Error("事件订阅者异常",
				slog.String("event", event.Name), slog.Any("panic", r))
		}
	}()
	h(ctx, event)
}

// Close 实现 Publisher 接口。
func (b *Bus) Close() error { return nil }

// Multi 把事件同时投递给多个 Publisher。
type Multi []Publisher

// Publish 投递给所有 Publisher，并合并错误。
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有 Publisher。
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Multi(nil)
)
