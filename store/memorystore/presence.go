package memorystore

import (
	"context"
	"sync"

	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/internal/dispatch"
)

type presenceSpace struct {
	members []*presence
}

func (s *presenceSpace) state() store.PresenceState {
	ret := store.PresenceState{}
	for _, m := range s.members {
		if m.tracked != nil {
			ret[m.key] = append(ret[m.key], m.tracked)
		}
	}
	return ret
}

type presence struct {
	backend *Backend
	topic   string
	key     string
	handler store.PresenceHandler
	queue   *dispatch.Queue

	// guarded by the backend's mutex
	tracked store.Record

	unsubscribeOnce sync.Once
}

// JoinPresence implements store.PresenceFeed. Joining delivers the current state of the space to
// the new member. Every track and leave delivers a join or leave event followed by the full state to
// every member.
func (b *Backend) JoinPresence(ctx context.Context, topic, key string, handler store.PresenceHandler, onStatus func(store.Status)) (store.Presence, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	space, ok := b.presenceSpaces[topic]
	if !ok {
		space = &presenceSpace{}
		b.presenceSpaces[topic] = space
	}

	p := &presence{
		backend: b,
		topic:   topic,
		key:     key,
		handler: handler,
		queue:   dispatch.NewQueue(),
	}
	space.members = append(space.members, p)

	if onStatus != nil {
		p.queue.Enqueue(func() {
			onStatus(store.StatusSubscribed)
		})
	}
	if onSync := handler.Sync; onSync != nil {
		state := space.state()
		p.queue.Enqueue(func() {
			onSync(state)
		})
	}
	return p, nil
}

// broadcastPresence must be invoked with the backend's mutex held.
func (b *Backend) broadcastPresence(space *presenceSpace, key string, record store.Record, joined bool) {
	state := space.state()
	for _, m := range space.members {
		h := m.handler
		if joined && h.Join != nil {
			m.queue.Enqueue(func() {
				h.Join(key, []store.Record{record})
			})
		} else if !joined && h.Leave != nil {
			m.queue.Enqueue(func() {
				h.Leave(key, []store.Record{record})
			})
		}
		if h.Sync != nil {
			m.queue.Enqueue(func() {
				h.Sync(state)
			})
		}
	}
}

func (p *presence) Track(ctx context.Context, payload interface{}) error {
	record, err := store.NewRecord(payload)
	if err != nil {
		return err
	}

	p.backend.mutex.Lock()
	defer p.backend.mutex.Unlock()

	space, ok := p.backend.presenceSpaces[p.topic]
	if !ok || !space.contains(p) {
		return nil
	}
	p.tracked = record
	p.backend.broadcastPresence(space, p.key, record, true)
	return nil
}

func (p *presence) State() store.PresenceState {
	p.backend.mutex.Lock()
	defer p.backend.mutex.Unlock()
	if space, ok := p.backend.presenceSpaces[p.topic]; ok {
		return space.state()
	}
	return store.PresenceState{}
}

func (p *presence) Unsubscribe() {
	p.unsubscribeOnce.Do(func() {
		p.queue.Stop()

		p.backend.mutex.Lock()
		defer p.backend.mutex.Unlock()

		space, ok := p.backend.presenceSpaces[p.topic]
		if !ok {
			return
		}
		for i, m := range space.members {
			if m == p {
				space.members = append(space.members[:i], space.members[i+1:]...)
				break
			}
		}
		if p.tracked != nil {
			p.backend.broadcastPresence(space, p.key, p.tracked, false)
		}
		if len(space.members) == 0 {
			delete(p.backend.presenceSpaces, p.topic)
		}
	})
}

func (s *presenceSpace) contains(p *presence) bool {
	for _, m := range s.members {
		if m == p {
			return true
		}
	}
	return false
}
