package pgstore

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/internal/dispatch"
)

type subscription struct {
	spec    store.ChangeSpec
	handler func(*store.Change)
	conn    *pgxpool.Conn
	queue   *dispatch.Queue
	logger  logrus.FieldLogger
	cancel  context.CancelFunc
	done    chan struct{}

	unsubscribeOnce sync.Once
}

func (b *Backend) notifyChannel() string {
	if b.config.NotifyChannel == "" {
		return DefaultNotifyChannel
	}
	return b.config.NotifyChannel
}

// Subscribe listens for the notifications published by the triggers installed by Migrate. Each
// subscription holds a dedicated connection. The LISTEN is issued before Subscribe returns.
func (b *Backend) Subscribe(ctx context.Context, topic string, spec store.ChangeSpec, handler func(*store.Change), onStatus func(store.Status)) (store.Subscription, error) {
	conn, err := b.config.Pool.Acquire(ctx)
	if err != nil {
		return nil, convertError(err, "unable to acquire connection")
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ident(b.notifyChannel())); err != nil {
		conn.Release()
		return nil, convertError(err, "unable to listen")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		spec:    spec,
		handler: handler,
		conn:    conn,
		queue:   dispatch.NewQueue(),
		logger:  b.logger.WithField("topic", topic),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if onStatus != nil {
		sub.queue.Enqueue(func() {
			onStatus(store.StatusSubscribed)
		})
	}
	go sub.run(runCtx, onStatus)
	return sub, nil
}

func (s *subscription) run(ctx context.Context, onStatus func(store.Status)) {
	defer close(s.done)

	for {
		notification, err := s.conn.Conn().WaitForNotification(ctx)
		if ctx.Err() != nil {
			return
		} else if err != nil {
			s.logger.WithError(errors.Wrap(err, "unable to receive notification")).Error("change feed failed")
			if onStatus != nil {
				s.queue.Enqueue(func() {
					onStatus(store.StatusChannelError)
				})
			}
			return
		}

		var change store.Change
		if err := jsoniter.UnmarshalFromString(notification.Payload, &change); err != nil {
			s.logger.WithError(err).Warn("malformed change notification")
			continue
		}
		if !s.spec.Matches(&change) {
			continue
		}
		s.queue.Enqueue(func() {
			s.handler(&change)
		})
	}
}

// Unsubscribe stops the feed. The connection is released back to the pool, which discards it if the
// interrupted wait left it unusable.
func (s *subscription) Unsubscribe() {
	s.unsubscribeOnce.Do(func() {
		s.queue.Stop()
		s.cancel()
		<-s.done
		s.conn.Release()
	})
}
