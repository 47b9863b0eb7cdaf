package chatfu

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/chat-fu/auth"
	"github.com/ccbrown/chat-fu/model"
	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/memorystore"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// testStore wraps the in-memory backend so that tests can inject failures, intercept queries and
// suppress change feeds.
type testStore struct {
	*memorystore.Backend

	mutex      sync.Mutex
	selectErr  error
	writeErr   error
	selectHook func(query *store.Query, records []store.Record)
	mutedFeeds bool
	inserts    int
	subscribed []string
}

func newTestBackend() *memorystore.Backend {
	b := memorystore.NewChatBackend()
	var mutex sync.Mutex
	nextId := 0
	b.NewId = func() string {
		mutex.Lock()
		defer mutex.Unlock()
		nextId++
		return strconv.Itoa(nextId)
	}
	return b
}

func newTestStore() *testStore {
	return &testStore{
		Backend: newTestBackend(),
	}
}

func (s *testStore) setSelectErr(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.selectErr = err
}

func (s *testStore) setWriteErr(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.writeErr = err
}

func (s *testStore) setSelectHook(hook func(query *store.Query, records []store.Record)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.selectHook = hook
}

func (s *testStore) muteFeeds() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.mutedFeeds = true
}

func (s *testStore) insertCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.inserts
}

func (s *testStore) subscribedTopics() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.subscribed...)
}

func (s *testStore) Select(ctx context.Context, query *store.Query) ([]store.Record, error) {
	s.mutex.Lock()
	err, hook := s.selectErr, s.selectHook
	s.mutex.Unlock()

	if err != nil {
		return nil, err
	}
	records, err := s.Backend.Select(ctx, query)
	if err == nil && hook != nil {
		hook(query, records)
	}
	return records, err
}

func (s *testStore) Insert(ctx context.Context, table string, row interface{}) error {
	s.mutex.Lock()
	s.inserts++
	err := s.writeErr
	s.mutex.Unlock()

	if err != nil {
		return err
	}
	return s.Backend.Insert(ctx, table, row)
}

func (s *testStore) Update(ctx context.Context, table string, values map[string]interface{}, filters ...store.Filter) error {
	s.mutex.Lock()
	err := s.writeErr
	s.mutex.Unlock()

	if err != nil {
		return err
	}
	return s.Backend.Update(ctx, table, values, filters...)
}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}

func (s *testStore) Subscribe(ctx context.Context, topic string, spec store.ChangeSpec, handler func(*store.Change), onStatus func(store.Status)) (store.Subscription, error) {
	s.mutex.Lock()
	muted := s.mutedFeeds
	s.subscribed = append(s.subscribed, topic)
	s.mutex.Unlock()

	if muted {
		return nopSubscription{}, nil
	}
	return s.Backend.Subscribe(ctx, topic, spec, handler, onStatus)
}

var (
	alice = &model.User{
		Id:    "alice",
		Email: "alice@example.com",
		Metadata: model.UserMetadata{
			Name: "Alice",
		},
	}
	bob = &model.User{
		Id:    "bob",
		Email: "bob@example.com",
	}
	admin = &model.User{
		Id: "admin",
		Metadata: model.UserMetadata{
			Name: "Admin",
			Role: model.AdminRole,
		},
	}
)

func newTestConfig(s store.Store, user *model.User) (*Config, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return &Config{
		Store:  s,
		Auth:   &auth.Static{Identity: user},
		Logger: logger,
	}, hook
}

func insertChannel(t *testing.T, b store.Tables, name string, createdBy model.Id) model.Id {
	require.NoError(t, b.Insert(context.Background(), ChannelsTable, map[string]interface{}{
		"name":       name,
		"created_by": createdBy,
	}))
	records, err := b.Select(context.Background(), &store.Query{
		Table:   ChannelsTable,
		Filters: []store.Filter{store.Eq("name", name)},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	var channel model.Channel
	require.NoError(t, records[0].Decode(&channel))
	return channel.Id
}

func insertMessage(t *testing.T, b store.Tables, channel model.Id, user *model.User, content string) model.Id {
	id := model.Id("m-" + content)
	require.NoError(t, b.Insert(context.Background(), MessagesTable, map[string]interface{}{
		"id":        id,
		"content":   content,
		"user_id":   user.Id,
		"user_name": user.DisplayName(),
		"channel":   channel,
	}))
	return id
}

func hasLogEntry(hook *test.Hook, message string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Message == message {
			return true
		}
	}
	return false
}

func contents(messages []*model.Message) []string {
	ret := make([]string, len(messages))
	for i, m := range messages {
		ret[i] = m.Content
	}
	return ret
}

func TestConfig(t *testing.T) {
	_, err := NewChannelDirectory(&Config{})
	assert.Error(t, err)

	cfg := &Config{
		Store: newTestStore(),
	}
	_, err = NewMessageStream(cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryLimit, cfg.HistoryLimit)
	assert.Equal(t, DefaultNotificationLimit, cfg.NotificationLimit)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Now)

	user, err := cfg.Auth.User(context.Background())
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestSubscription(t *testing.T) {
	var o observable
	var calls []int
	a := o.Subscribe(func() { calls = append(calls, 1) })
	o.Subscribe(func() { calls = append(calls, 2) })

	o.notify()
	assert.Equal(t, []int{1, 2}, calls)

	a.Stop()
	a.Stop()
	o.notify()
	assert.Equal(t, []int{1, 2, 2}, calls)
}

func TestErrors(t *testing.T) {
	cause := &store.Error{
		Code:    store.CodeUniqueViolation,
		Message: "duplicate key",
	}

	err := operationError("Failed to create channel.", cause)
	assert.Equal(t, "Failed to create channel.", err.SanitizedError())
	assert.Contains(t, err.Error(), "duplicate key")
	assert.True(t, store.IsUniqueViolation(err))

	var sanitized SanitizedError = &NotFoundError{Kind: "message", Id: "m1"}
	assert.Equal(t, "message m1 not found", sanitized.Error())
	assert.Equal(t, "That message no longer exists.", sanitized.SanitizedError())

	assert.Equal(t, "Please provide a valid channel name.", validationError("Please provide a valid %v.", "channel name").SanitizedError())

	notReady := &SchemaNotReadyError{Table: NotificationsTable, cause: &store.Error{Code: store.CodeUndefinedTable}}
	assert.True(t, store.IsUndefinedTable(notReady))
}
