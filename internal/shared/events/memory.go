package events

import (
	"context"
	"sync"
)

// MemoryBus keeps streams in process memory. Used when no KurrentDB is
// configured and in tests.
type MemoryBus struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{streams: make(map[string][]Event)}
}

func (b *MemoryBus) Publish(ctx context.Context, stream string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], event)
	return nil
}

func (b *MemoryBus) Read(ctx context.Context, stream string, max uint64) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	src := b.streams[stream]
	if max > 0 && uint64(len(src)) > max {
		src = src[:max]
	}
	out := make([]Event, len(src))
	copy(out, src)
	return out, nil
}

func (b *MemoryBus) Close() {}

func (b *MemoryBus) Health() error { return nil }
