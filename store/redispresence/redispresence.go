// Package redispresence implements store.PresenceFeed on top of Redis. Each presence space is a
// hash holding one entry per session, and changes are announced on a pub/sub channel.
package redispresence

import (
	"context"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/internal/dispatch"
)

type Config struct {
	Redis redis.UniversalClient

	// Prefixed to every Redis key. Defaults to "presence:".
	KeyPrefix string

	// If not given, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger
}

type Feed struct {
	config *Config
	logger logrus.FieldLogger
}

var _ store.PresenceFeed = (*Feed)(nil)

func New(cfg *Config) *Feed {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Feed{
		config: cfg,
		logger: logger,
	}
}

func (f *Feed) hashKey(topic string) string {
	prefix := f.config.KeyPrefix
	if prefix == "" {
		prefix = "presence:"
	}
	return prefix + topic
}

func (f *Feed) eventsChannel(topic string) string {
	return f.hashKey(topic) + ":events"
}

// entry is the value stored for each session.
type entry struct {
	Key  string       `json:"key"`
	Meta store.Record `json:"meta"`
}

type event struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	entry
}

const (
	eventJoin  = "join"
	eventLeave = "leave"
)

type presence struct {
	feed     *Feed
	topic    string
	key      string
	session  string
	handler  store.PresenceHandler
	onStatus func(store.Status)
	pubsub   *redis.PubSub
	queue    *dispatch.Queue
	cancel   context.CancelFunc
	done     chan struct{}

	mutex    sync.Mutex
	sessions map[string]*entry
	tracked  bool

	unsubscribeOnce sync.Once
}

// JoinPresence subscribes to the space's events. Once the subscription is confirmed, onStatus
// receives store.StatusSubscribed and the handler receives the current state.
func (f *Feed) JoinPresence(ctx context.Context, topic, key string, handler store.PresenceHandler, onStatus func(store.Status)) (store.Presence, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	p := &presence{
		feed:     f,
		topic:    topic,
		key:      key,
		session:  uuid.NewString(),
		handler:  handler,
		onStatus: onStatus,
		pubsub:   f.config.Redis.Subscribe(runCtx, f.eventsChannel(topic)),
		queue:    dispatch.NewQueue(),
		cancel:   cancel,
		done:     make(chan struct{}),
		sessions: map[string]*entry{},
	}
	go p.run(runCtx)
	return p, nil
}

func (p *presence) setStatus(status store.Status) {
	if p.onStatus != nil {
		p.queue.Enqueue(func() {
			p.onStatus(status)
		})
	}
}

func (p *presence) run(ctx context.Context) {
	defer close(p.done)
	logger := p.feed.logger.WithField("topic", p.topic)

	if _, err := p.pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("unable to subscribe to presence events")
			p.setStatus(store.StatusChannelError)
		}
		return
	}
	p.setStatus(store.StatusSubscribed)

	values, err := p.feed.config.Redis.HGetAll(ctx, p.feed.hashKey(p.topic)).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("unable to load presence state")
			p.setStatus(store.StatusChannelError)
		}
		return
	}
	p.mutex.Lock()
	for session, value := range values {
		var e entry
		if err := jsoniter.UnmarshalFromString(value, &e); err != nil {
			logger.WithError(err).Warn("malformed presence entry")
			continue
		}
		p.sessions[session] = &e
	}
	p.mutex.Unlock()
	p.queue.Enqueue(p.sync)

	for msg := range p.pubsub.Channel() {
		var e event
		if err := jsoniter.UnmarshalFromString(msg.Payload, &e); err != nil {
			logger.WithError(err).Warn("malformed presence event")
			continue
		}
		p.apply(&e)
	}

	if ctx.Err() == nil {
		p.setStatus(store.StatusClosed)
	}
}

func (p *presence) apply(e *event) {
	p.mutex.Lock()
	switch e.Type {
	case eventJoin:
		p.sessions[e.Session] = &entry{
			Key:  e.Key,
			Meta: e.Meta,
		}
	case eventLeave:
		if _, ok := p.sessions[e.Session]; !ok {
			p.mutex.Unlock()
			return
		}
		delete(p.sessions, e.Session)
	default:
		p.mutex.Unlock()
		return
	}
	p.mutex.Unlock()

	p.queue.Enqueue(func() {
		if e.Type == eventJoin && p.handler.Join != nil {
			p.handler.Join(e.Key, []store.Record{e.Meta})
		} else if e.Type == eventLeave && p.handler.Leave != nil {
			p.handler.Leave(e.Key, []store.Record{e.Meta})
		}
		p.sync()
	})
}

func (p *presence) sync() {
	if p.handler.Sync != nil {
		p.handler.Sync(p.State())
	}
}

func (p *presence) State() store.PresenceState {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	ret := store.PresenceState{}
	for _, e := range p.sessions {
		ret[e.Key] = append(ret[e.Key], e.Meta)
	}
	return ret
}

func (p *presence) publish(ctx context.Context, e *event) error {
	buf, err := jsoniter.MarshalToString(e)
	if err != nil {
		return errors.Wrap(err, "unable to marshal presence event")
	}
	return errors.Wrap(p.feed.config.Redis.Publish(ctx, p.feed.eventsChannel(p.topic), buf).Err(), "unable to publish presence event")
}

// Track stores the payload under the caller's session and announces it to the space.
func (p *presence) Track(ctx context.Context, payload interface{}) error {
	meta, err := store.NewRecord(payload)
	if err != nil {
		return err
	}
	e := &event{
		Type:    eventJoin,
		Session: p.session,
		entry: entry{
			Key:  p.key,
			Meta: meta,
		},
	}
	value, err := jsoniter.MarshalToString(&e.entry)
	if err != nil {
		return errors.Wrap(err, "unable to marshal presence entry")
	}

	if err := p.feed.config.Redis.HSet(ctx, p.feed.hashKey(p.topic), p.session, value).Err(); err != nil {
		return errors.Wrap(err, "unable to store presence")
	}
	p.mutex.Lock()
	p.tracked = true
	p.mutex.Unlock()
	return p.publish(ctx, e)
}

// Unsubscribe removes the caller's session from the space and stops the feed.
func (p *presence) Unsubscribe() {
	p.unsubscribeOnce.Do(func() {
		p.queue.Stop()

		p.mutex.Lock()
		tracked := p.tracked
		var meta store.Record
		if e, ok := p.sessions[p.session]; ok {
			meta = e.Meta
		}
		p.mutex.Unlock()

		if tracked {
			ctx := context.Background()
			if err := p.feed.config.Redis.HDel(ctx, p.feed.hashKey(p.topic), p.session).Err(); err != nil {
				p.feed.logger.WithError(err).Warn("unable to remove presence")
			}
			if err := p.publish(ctx, &event{
				Type:    eventLeave,
				Session: p.session,
				entry: entry{
					Key:  p.key,
					Meta: meta,
				},
			}); err != nil {
				p.feed.logger.WithError(err).Warn("unable to announce leave")
			}
		}

		p.cancel()
		p.pubsub.Close()
		<-p.done
	})
}
