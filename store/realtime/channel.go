package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/internal/dispatch"
)

// channel is a joined topic. It serves as both a change feed subscription and a presence handle.
type channel struct {
	client   *Client
	topic    string
	joinRef  string
	queue    *dispatch.Queue
	onStatus func(store.Status)

	spec    *store.ChangeSpec
	handler func(*store.Change)

	presenceHandler *store.PresenceHandler

	// modified only by callbacks on the queue
	mutex sync.Mutex
	state store.PresenceState

	unsubscribeOnce sync.Once
}

var _ store.Presence = (*channel)(nil)

func newChannel(c *Client, topic string, onStatus func(store.Status)) *channel {
	return &channel{
		client:   c,
		topic:    TopicPrefix + topic,
		queue:    dispatch.NewQueue(),
		onStatus: onStatus,
	}
}

func (ch *channel) setStatus(status store.Status) {
	if ch.onStatus != nil {
		ch.queue.Enqueue(func() {
			ch.onStatus(status)
		})
	}
}

func (ch *channel) handleJoinReply(reply *replyPayload) {
	if reply.Status == "ok" {
		ch.setStatus(store.StatusSubscribed)
		return
	}
	ch.client.logger.WithField("topic", ch.topic).WithField("response", string(reply.Response)).Warn("channel join rejected")
	ch.setStatus(store.StatusChannelError)
}

func (ch *channel) handleClose() {
	if ch.onStatus != nil {
		ch.queue.Enqueue(func() {
			ch.onStatus(store.StatusClosed)
			ch.queue.Stop()
		})
	} else {
		ch.queue.Stop()
	}
}

func record(raw json.RawMessage) store.Record {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil
	}
	return store.Record(raw)
}

func (ch *channel) handleMessage(msg *Message) {
	switch msg.Event {
	case EventPostgresChanges:
		if ch.spec == nil {
			return
		}
		var payload postgresChangesPayload
		if err := jsoniter.Unmarshal(msg.Payload, &payload); err != nil {
			ch.client.logger.WithError(err).WithField("topic", ch.topic).Warn("malformed change received")
			return
		}
		change := &store.Change{
			Type:  store.EventType(payload.Data.Type),
			Table: payload.Data.Table,
			New:   record(payload.Data.Record),
			Old:   record(payload.Data.OldRecord),
		}
		// row filters are applied by the server, which can evaluate them against the full row even
		// for deletes
		if change.Table != ch.spec.Table || !ch.spec.WantsEvent(change.Type) {
			return
		}
		ch.queue.Enqueue(func() {
			ch.handler(change)
		})
	case EventPresenceState:
		if ch.presenceHandler == nil {
			return
		}
		var payload map[string]presenceMetas
		if err := jsoniter.Unmarshal(msg.Payload, &payload); err != nil {
			ch.client.logger.WithError(err).WithField("topic", ch.topic).Warn("malformed presence state received")
			return
		}
		ch.queue.Enqueue(func() {
			ch.applyPresenceState(payload)
		})
	case EventPresenceDiff:
		if ch.presenceHandler == nil {
			return
		}
		var payload presenceDiffPayload
		if err := jsoniter.Unmarshal(msg.Payload, &payload); err != nil {
			ch.client.logger.WithError(err).WithField("topic", ch.topic).Warn("malformed presence diff received")
			return
		}
		ch.queue.Enqueue(func() {
			ch.applyPresenceDiff(&payload)
		})
	case EventError:
		ch.setStatus(store.StatusChannelError)
	case EventClose:
		ch.setStatus(store.StatusClosed)
	case EventSystem:
		var payload systemPayload
		if err := jsoniter.Unmarshal(msg.Payload, &payload); err == nil && payload.Status == "error" {
			ch.client.logger.WithField("topic", ch.topic).WithField("message", payload.Message).Warn("channel error")
			ch.setStatus(store.StatusChannelError)
		}
	}
}

func records(metas []json.RawMessage) []store.Record {
	ret := make([]store.Record, len(metas))
	for i, meta := range metas {
		ret[i] = store.Record(meta)
	}
	return ret
}

func metaRef(r store.Record) string {
	var meta struct {
		PhxRef string `json:"phx_ref"`
	}
	jsoniter.Unmarshal(r, &meta)
	return meta.PhxRef
}

func sortedKeys(m map[string]presenceMetas) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (ch *channel) applyPresenceState(payload map[string]presenceMetas) {
	state := store.PresenceState{}
	for key, metas := range payload {
		if len(metas.Metas) > 0 {
			state[key] = records(metas.Metas)
		}
	}

	ch.mutex.Lock()
	ch.state = state
	ch.mutex.Unlock()

	if h := ch.presenceHandler; h.Sync != nil {
		h.Sync(ch.State())
	}
}

// applyPresenceDiff merges joins, then removes leaves, identifying metas by their phx_ref.
func (ch *channel) applyPresenceDiff(payload *presenceDiffPayload) {
	h := ch.presenceHandler

	for _, key := range sortedKeys(payload.Joins) {
		joined := records(payload.Joins[key].Metas)
		refs := map[string]struct{}{}
		for _, r := range joined {
			refs[metaRef(r)] = struct{}{}
		}

		ch.mutex.Lock()
		var kept []store.Record
		for _, r := range ch.state[key] {
			if _, ok := refs[metaRef(r)]; !ok {
				kept = append(kept, r)
			}
		}
		ch.state[key] = append(kept, joined...)
		ch.mutex.Unlock()

		if h.Join != nil {
			h.Join(key, joined)
		}
	}

	for _, key := range sortedKeys(payload.Leaves) {
		left := records(payload.Leaves[key].Metas)
		refs := map[string]struct{}{}
		for _, r := range left {
			refs[metaRef(r)] = struct{}{}
		}

		ch.mutex.Lock()
		var kept []store.Record
		for _, r := range ch.state[key] {
			if _, ok := refs[metaRef(r)]; !ok {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			ch.state[key] = kept
		} else {
			delete(ch.state, key)
		}
		ch.mutex.Unlock()

		if h.Leave != nil {
			h.Leave(key, left)
		}
	}

	if h.Sync != nil {
		h.Sync(ch.State())
	}
}

// Track announces the caller in the presence space.
func (ch *channel) Track(ctx context.Context, payload interface{}) error {
	ch.client.mutex.Lock()
	ref := ch.client.makeRef()
	ch.client.mutex.Unlock()

	return ch.client.push(ctx, &Message{
		Topic:   ch.topic,
		Event:   EventPresence,
		Ref:     ref,
		JoinRef: ch.joinRef,
	}, &trackPayload{
		Type:    "presence",
		Event:   "track",
		Payload: payload,
	})
}

func (ch *channel) State() store.PresenceState {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ret := make(store.PresenceState, len(ch.state))
	for k, v := range ch.state {
		ret[k] = append([]store.Record(nil), v...)
	}
	return ret
}

// Unsubscribe leaves the topic. Callbacks that haven't started yet are discarded.
func (ch *channel) Unsubscribe() {
	ch.unsubscribeOnce.Do(func() {
		ch.queue.Stop()
		if !ch.client.removeChannel(ch) {
			return
		}

		ch.client.mutex.Lock()
		ref := ch.client.makeRef()
		ch.client.mutex.Unlock()

		if err := ch.client.push(context.Background(), &Message{
			Topic:   ch.topic,
			Event:   EventLeave,
			Ref:     ref,
			JoinRef: ch.joinRef,
		}, struct{}{}); err != nil {
			ch.client.logger.WithError(err).WithField("topic", ch.topic).Debug("unable to leave channel")
		}
	})
}

func (ch *channel) String() string {
	return ch.topic
}
