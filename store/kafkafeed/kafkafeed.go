// Package kafkafeed implements store.ChangeFeed by consuming row-change events from a Kafka topic.
//
// Events are JSON-encoded store.Change values, as produced by Publisher. The topic must have a
// single partition so that events are consumed in the order they were produced. Each subscription
// reads every event published after Subscribe returns.
package kafkafeed

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/internal/dispatch"
)

type Config struct {
	Brokers []string
	Topic   string

	// If not given, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger
}

func (cfg *Config) logger() logrus.FieldLogger {
	if cfg.Logger == nil {
		return logrus.StandardLogger()
	}
	return cfg.Logger
}

type Feed struct {
	config *Config
}

var _ store.ChangeFeed = (*Feed)(nil)

func New(cfg *Config) *Feed {
	return &Feed{
		config: cfg,
	}
}

type subscription struct {
	spec    store.ChangeSpec
	handler func(*store.Change)
	reader  *kafka.Reader
	queue   *dispatch.Queue
	logger  logrus.FieldLogger
	cancel  context.CancelFunc
	done    chan struct{}

	unsubscribeOnce sync.Once
}

// lastOffset returns the offset that the next produced event will have.
func (f *Feed) lastOffset(ctx context.Context) (int64, error) {
	if len(f.config.Brokers) == 0 {
		return 0, fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialLeader(ctx, "tcp", f.config.Brokers[0], f.config.Topic, 0)
	if err != nil {
		return 0, errors.Wrap(err, "unable to connect to kafka")
	}
	defer conn.Close()
	offset, err := conn.ReadLastOffset()
	return offset, errors.Wrap(err, "unable to read last offset")
}

// Subscribe resolves the topic's current offset before returning, so the handshake is complete by
// the time onStatus receives store.StatusSubscribed.
func (f *Feed) Subscribe(ctx context.Context, topic string, spec store.ChangeSpec, handler func(*store.Change), onStatus func(store.Status)) (store.Subscription, error) {
	offset, err := f.lastOffset(ctx)
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   f.config.Brokers,
		Topic:     f.config.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if err := reader.SetOffset(offset); err != nil {
		reader.Close()
		return nil, errors.Wrap(err, "unable to set offset")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		spec:    spec,
		handler: handler,
		reader:  reader,
		queue:   dispatch.NewQueue(),
		logger:  f.config.logger().WithField("topic", topic),
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
		m, err := s.reader.ReadMessage(ctx)
		if ctx.Err() != nil {
			return
		} else if err != nil {
			s.logger.WithError(err).Error("kafka read error")
			if onStatus != nil {
				s.queue.Enqueue(func() {
					onStatus(store.StatusChannelError)
				})
			}
			return
		}

		var change store.Change
		if err := jsoniter.Unmarshal(m.Value, &change); err != nil {
			s.logger.WithError(err).Warn("malformed change event")
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

func (s *subscription) Unsubscribe() {
	s.unsubscribeOnce.Do(func() {
		s.queue.Stop()
		s.cancel()
		<-s.done
		if err := s.reader.Close(); err != nil {
			s.logger.WithError(err).Debug("error closing kafka reader")
		}
	})
}

// Publisher writes change events to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
	logger logrus.FieldLogger
}

func NewPublisher(cfg *Config) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: cfg.logger(),
	}
}

func (p *Publisher) Publish(ctx context.Context, changes ...*store.Change) error {
	messages := make([]kafka.Message, len(changes))
	for i, change := range changes {
		buf, err := jsoniter.Marshal(change)
		if err != nil {
			return errors.Wrap(err, "unable to marshal change")
		}
		messages[i] = kafka.Message{
			Key:   []byte(change.Table),
			Value: buf,
		}
	}
	return errors.Wrap(p.writer.WriteMessages(ctx, messages...), "unable to publish changes")
}

// Forward publishes every change of the given table reported by source.
func (p *Publisher) Forward(ctx context.Context, source store.ChangeFeed, table string) (store.Subscription, error) {
	return source.Subscribe(ctx, "kafka-forward:"+table, store.ChangeSpec{
		Table:  table,
		Events: []store.EventType{store.EventAll},
	}, func(change *store.Change) {
		if err := p.Publish(context.Background(), change); err != nil {
			p.logger.WithError(err).WithField("table", table).Error("unable to forward change")
		}
	}, nil)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
