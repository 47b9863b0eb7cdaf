package memorystore

import (
	"context"

	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/internal/dispatch"
)

type subscription struct {
	backend *Backend
	topic   string
	spec    store.ChangeSpec
	handler func(*store.Change)
	queue   *dispatch.Queue
}

// Subscribe implements store.ChangeFeed. The handshake completes immediately, but the
// StatusSubscribed notification is still delivered asynchronously. Topics are only used for
// diagnostics since every caller of a Backend acts as its own connection.
func (b *Backend) Subscribe(ctx context.Context, topic string, spec store.ChangeSpec, handler func(*store.Change), onStatus func(store.Status)) (store.Subscription, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	sub := &subscription{
		backend: b,
		topic:   topic,
		spec:    spec,
		handler: handler,
		queue:   dispatch.NewQueue(),
	}
	b.subscriptions[sub] = struct{}{}
	if onStatus != nil {
		sub.queue.Enqueue(func() {
			onStatus(store.StatusSubscribed)
		})
	}
	return sub, nil
}

func (s *subscription) Unsubscribe() {
	s.backend.mutex.Lock()
	delete(s.backend.subscriptions, s)
	s.backend.mutex.Unlock()
	s.queue.Stop()
}

func (s *subscription) String() string {
	return s.topic
}
