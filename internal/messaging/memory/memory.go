// Package memory is an in-process messaging.Bus for single-instance
// deployments and tests, modeled on the teacher's cronRunner fakes: a
// package-private implementation of a third-party interface, backed by Go
// channels instead of a broker.
package memory

import (
	"context"
	"sync"

	"github.com/rakunlabs/cortex/internal/messaging"
)

type subscriber struct {
	topic string
	ch    chan messaging.Message
}

// Bus fans out every Publish to all subscribers of the matching topic.
type Bus struct {
	mu   sync.Mutex
	subs []subscriber
}

func New() *Bus {
	return &Bus{}
}

func (b *Bus) Publish(_ context.Context, msg messaging.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.topic != msg.Topic {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan messaging.Message, error) {
	ch := make(chan messaging.Message, 64)
	s := subscriber{topic: topic, ch: ch}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, existing := range b.subs {
			if existing.ch == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (b *Bus) Close(_ context.Context) error { return nil }

var _ messaging.Bus = (*Bus)(nil)
