package chatfu

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/model"
	"github.com/ccbrown/chat-fu/store"
)

// MessageStream maintains the message log of the active channel and the set of online users.
//
// Mutations are sent to the store and are never applied locally. They become visible once the
// store echoes them back through the change feed, which keeps the log in the store's order and
// prevents duplicates.
type MessageStream struct {
	observable

	config *Config
	logger logrus.FieldLogger

	mutex         sync.Mutex
	activeChannel model.Id
	messages      []*model.Message
	users         []*model.Presence
	connected     bool

	// Incremented whenever the scope changes. Callbacks from feeds belonging to an older scope
	// carry an older generation and are dropped.
	generation uint64

	// While history is being fetched, change events are held here and replayed once it arrives.
	loadingHistory bool
	pending        []*store.Change

	// Incremented whenever a history fetch begins. Only the most recent fetch is installed.
	loadSequence uint64

	feed     store.Subscription
	presence store.Presence
	cancel   context.CancelFunc
}

func NewMessageStream(cfg *Config) (*MessageStream, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MessageStream{
		config: cfg,
		logger: cfg.logger("messages"),
	}, nil
}

// detach must be invoked with the mutex held. It advances the generation and returns a function
// that tears down the previous scope's feeds.
func (s *MessageStream) detach() func() {
	s.generation++
	feed, presence, cancel := s.feed, s.presence, s.cancel
	s.feed, s.presence, s.cancel = nil, nil, nil
	s.messages = nil
	s.pending = nil
	s.loadingHistory = false
	s.connected = false
	return func() {
		if cancel != nil {
			cancel()
		}
		if feed != nil {
			feed.Unsubscribe()
		}
		if presence != nil {
			presence.Unsubscribe()
		}
	}
}

// SetActiveChannel switches the stream to the given channel. The previous channel's feeds are torn
// down, the log is cleared, and new feeds are established before the channel's most recent
// messages are fetched. An empty id, or the absence of a signed in user, leaves the stream idle with
// no online users.
//
// The returned error only describes failures to establish the change feed. History and presence
// failures are logged.
func (s *MessageStream) SetActiveChannel(ctx context.Context, id model.Id) error {
	user, err := s.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	}

	s.mutex.Lock()
	teardown := s.detach()
	generation := s.generation
	s.activeChannel = id
	active := id != "" && user != nil
	var scopeCtx context.Context
	var load uint64
	if active {
		scopeCtx, s.cancel = context.WithCancel(context.Background())
		load = s.beginLoad()
	} else {
		s.users = nil
	}
	s.mutex.Unlock()

	teardown()
	s.notify()

	if !active {
		return nil
	}

	logger := s.logger.WithField("channel", id)

	var feedErr error
	filter := store.Eq("channel", id)
	feed, err := s.config.Store.Subscribe(ctx, MessagesTopicPrefix+string(id), store.ChangeSpec{
		Table:  MessagesTable,
		Events: []store.EventType{store.EventInsert, store.EventUpdate, store.EventDelete},
		Filter: &filter,
	}, func(change *store.Change) {
		s.handleChange(generation, change)
	}, func(status store.Status) {
		s.handleStatus(generation, status)
	})
	if err != nil {
		logger.WithError(err).Error("error subscribing to messages")
		feedErr = operationError("Unable to subscribe to messages.", err)
	} else if !s.attach(generation, func() { s.feed = feed }) {
		feed.Unsubscribe()
	}

	s.joinPresence(ctx, scopeCtx, generation, user)
	s.updateUserPresence(ctx, user)
	s.loadHistory(ctx, generation, load, id)

	return feedErr
}

// attach invokes f with the mutex held if generation is still current.
func (s *MessageStream) attach(generation uint64, f func()) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.generation != generation {
		return false
	}
	f()
	return true
}

func (s *MessageStream) joinPresence(ctx, scopeCtx context.Context, generation uint64, user *model.User) {
	// the handshake may complete before JoinPresence returns, so the status callback waits for the
	// handle
	ready := make(chan struct{})
	var presence store.Presence

	presence, err := s.config.Store.JoinPresence(ctx, PresenceTopic, string(user.Id), store.PresenceHandler{
		Sync: func(state store.PresenceState) {
			s.handlePresenceSync(generation, state)
		},
		Join: func(key string, joined []store.Record) {
			s.logger.WithField("key", key).WithField("count", len(joined)).Debug("user joined")
		},
		Leave: func(key string, left []store.Record) {
			s.logger.WithField("key", key).WithField("count", len(left)).Debug("user left")
		},
	}, func(status store.Status) {
		if status != store.StatusSubscribed {
			s.logger.WithField("status", status).Debug("presence feed status changed")
			return
		}
		select {
		case <-ready:
		case <-scopeCtx.Done():
			return
		}
		if presence == nil {
			return
		}
		if err := presence.Track(scopeCtx, &model.Presence{
			Id:        user.Id,
			Name:      user.DisplayName(),
			AvatarURL: user.Metadata.AvatarURL,
			IsOnline:  true,
			LastSeen:  s.config.Now().UTC(),
			Status:    "online",
		}); err != nil && scopeCtx.Err() == nil {
			s.logger.WithError(err).Error("error tracking presence")
		}
	})
	if err != nil {
		presence = nil
		close(ready)
		s.logger.WithError(err).Error("error joining presence")
		return
	}
	close(ready)

	if !s.attach(generation, func() { s.presence = presence }) {
		presence.Unsubscribe()
	}
}

// updateUserPresence records the caller's last-seen time in the user_presence table.
func (s *MessageStream) updateUserPresence(ctx context.Context, user *model.User) {
	if err := s.config.Store.Upsert(ctx, UserPresenceTable, &model.UserPresence{
		UserId:   user.Id,
		LastSeen: s.config.Now().UTC(),
		IsOnline: true,
		Status:   "online",
	}); err != nil {
		s.logger.WithError(err).Error("error updating presence")
	}
}

// beginLoad must be invoked with the mutex held. Change events are buffered until the returned
// load, or a later one, completes.
func (s *MessageStream) beginLoad() uint64 {
	s.loadingHistory = true
	s.loadSequence++
	return s.loadSequence
}

func (s *MessageStream) loadHistory(ctx context.Context, generation, load uint64, channel model.Id) {
	records, err := s.config.Store.Select(ctx, &store.Query{
		Table:   MessagesTable,
		Filters: []store.Filter{store.Eq("channel", channel)},
		Order: &store.Order{
			Column:    "created_at",
			Ascending: false,
		},
		Limit: s.config.HistoryLimit,
	})

	var history []*model.Message
	if err == nil {
		history = make([]*model.Message, len(records))
		for i, record := range records {
			var message model.Message
			if err = record.Decode(&message); err != nil {
				break
			}
			// the query returns the newest messages first
			history[len(records)-1-i] = &message
		}
	}

	s.mutex.Lock()
	if s.generation != generation || s.loadSequence != load {
		// superseded by a newer scope or fetch, which replays the buffered events
		s.mutex.Unlock()
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("channel", channel).Error("error loading messages")
	} else {
		s.messages = history
	}
	s.loadingHistory = false
	pending := s.pending
	s.pending = nil
	for _, change := range pending {
		s.applyChange(change)
	}
	s.mutex.Unlock()

	s.notify()
}

// Reload fetches the active channel's most recent messages again. Changes that arrive in the
// meantime are applied on top of the result. If reloads overlap, only the last one to start is
// installed.
func (s *MessageStream) Reload(ctx context.Context) {
	s.mutex.Lock()
	generation, channel := s.generation, s.activeChannel
	if channel == "" || s.cancel == nil {
		s.mutex.Unlock()
		return
	}
	load := s.beginLoad()
	s.mutex.Unlock()

	s.loadHistory(ctx, generation, load, channel)
}

// Close tears down the stream's feeds and clears its state. It may be called any number of times.
func (s *MessageStream) Close() {
	s.mutex.Lock()
	teardown := s.detach()
	s.activeChannel = ""
	s.users = nil
	s.mutex.Unlock()

	teardown()
	s.notify()
}

func (s *MessageStream) handleChange(generation uint64, change *store.Change) {
	s.mutex.Lock()
	if s.generation != generation {
		s.mutex.Unlock()
		return
	}
	if s.loadingHistory {
		s.pending = append(s.pending, change)
		s.mutex.Unlock()
		return
	}
	changed := s.applyChange(change)
	s.mutex.Unlock()

	if changed {
		s.notify()
	}
}

func (s *MessageStream) indexOf(id model.Id) int {
	for i, message := range s.messages {
		if message.Id == id {
			return i
		}
	}
	return -1
}

// applyChange must be invoked with the mutex held. It returns true if the log was modified.
func (s *MessageStream) applyChange(change *store.Change) bool {
	record := change.New
	if change.Type == store.EventDelete {
		record = change.Old
	}
	var message model.Message
	if err := record.Decode(&message); err != nil {
		s.logger.WithError(err).WithField("type", change.Type).Warn("malformed message change received")
		return false
	}

	switch change.Type {
	case store.EventInsert:
		if message.Channel != s.activeChannel {
			return false
		}
		if i := s.indexOf(message.Id); i >= 0 {
			// already present, e.g. because it was included in the history
			s.messages[i] = &message
		} else {
			s.messages = append(s.messages, &message)
		}
		return true
	case store.EventUpdate:
		if message.Channel != "" && message.Channel != s.activeChannel {
			return false
		}
		if i := s.indexOf(message.Id); i >= 0 {
			s.messages[i] = &message
			return true
		}
	case store.EventDelete:
		// deletes are applied regardless of channel so that stale rows never linger
		if i := s.indexOf(message.Id); i >= 0 {
			s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (s *MessageStream) handleStatus(generation uint64, status store.Status) {
	s.mutex.Lock()
	if s.generation != generation {
		s.mutex.Unlock()
		return
	}
	connected := status == store.StatusSubscribed
	changed := s.connected != connected
	s.connected = connected
	s.mutex.Unlock()

	s.logger.WithField("status", status).Debug("message feed status changed")
	if changed {
		s.notify()
	}
}

func (s *MessageStream) handlePresenceSync(generation uint64, state store.PresenceState) {
	records := state.Flatten()
	users := make([]*model.Presence, 0, len(records))
	for _, record := range records {
		var user model.Presence
		if err := record.Decode(&user); err != nil {
			s.logger.WithError(err).Warn("malformed presence received")
			continue
		}
		users = append(users, &user)
	}

	s.mutex.Lock()
	if s.generation != generation {
		s.mutex.Unlock()
		return
	}
	s.users = users
	s.mutex.Unlock()

	s.notify()
}

func (s *MessageStream) ActiveChannel() model.Id {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.activeChannel
}

// Messages returns the log of the active channel in ascending order of creation.
func (s *MessageStream) Messages() []*model.Message {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ret := make([]*model.Message, len(s.messages))
	for i, message := range s.messages {
		m := *message
		ret[i] = &m
	}
	return ret
}

// Message returns the message with the given id, or nil if it isn't in the log.
func (s *MessageStream) Message(id model.Id) *model.Message {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if i := s.indexOf(id); i >= 0 {
		ret := *s.messages[i]
		return &ret
	}
	return nil
}

// Users returns the online users as of the last presence sync.
func (s *MessageStream) Users() []*model.Presence {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ret := make([]*model.Presence, len(s.users))
	for i, user := range s.users {
		u := *user
		ret[i] = &u
	}
	return ret
}

// Connected returns true while the message feed is subscribed.
func (s *MessageStream) Connected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.connected
}

type newMessageRow struct {
	Content   string   `json:"content"`
	UserId    model.Id `json:"user_id"`
	UserName  string   `json:"user_name"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	Likes     int      `json:"likes"`
	Replies   int      `json:"replies"`
	Channel   model.Id `json:"channel"`
}

// SendMessage posts a message to the active channel.
func (s *MessageStream) SendMessage(ctx context.Context, content string) error {
	return s.SendMessageToChannel(ctx, s.ActiveChannel(), content)
}

// SendMessageToChannel posts a message to the given channel. If nobody is signed in or the channel
// is empty, it does nothing.
func (s *MessageStream) SendMessageToChannel(ctx context.Context, channel model.Id, content string) error {
	user, err := s.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	} else if user == nil || channel == "" {
		return nil
	}

	if strings.TrimSpace(content) == "" {
		return validationError("A message body is required.")
	}

	if err := s.config.Store.Insert(ctx, MessagesTable, &newMessageRow{
		Content:   content,
		UserId:    user.Id,
		UserName:  user.DisplayName(),
		AvatarURL: user.Metadata.AvatarURL,
		Channel:   channel,
	}); err != nil {
		s.logger.WithError(err).Error("error sending message")
		return operationError("Failed to send message.", err)
	}
	return nil
}

// DeleteMessage deletes one of the caller's messages. Admins may delete any message.
func (s *MessageStream) DeleteMessage(ctx context.Context, id model.Id) error {
	user, err := s.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	}

	message := s.Message(id)
	if message == nil {
		return &NotFoundError{
			Kind: "message",
			Id:   id,
		}
	} else if user == nil || (message.UserId != user.Id && !user.IsAdmin()) {
		return authorizationError("You can only delete your own messages.")
	}

	if err := s.config.Store.Delete(ctx, MessagesTable, store.Eq("id", id)); err != nil {
		s.logger.WithError(err).Error("error deleting message")
		return operationError("Failed to delete message.", err)
	}
	return nil
}

// LikeMessage increments a message's like count. The new count is based on the cached count, so
// concurrent likes from different sessions may be lost.
func (s *MessageStream) LikeMessage(ctx context.Context, id model.Id) error {
	message := s.Message(id)
	if message == nil {
		return &NotFoundError{
			Kind: "message",
			Id:   id,
		}
	}

	if err := s.config.Store.Update(ctx, MessagesTable, map[string]interface{}{
		"likes": message.Likes + 1,
	}, store.Eq("id", id)); err != nil {
		s.logger.WithError(err).Error("error liking message")
		return operationError("Failed to like message.", err)
	}
	return nil
}
