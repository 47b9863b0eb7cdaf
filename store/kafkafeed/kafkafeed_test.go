package kafkafeed

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/memorystore"
)

func newTestConfig(t *testing.T) *Config {
	brokers := os.Getenv("CHATFU_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("CHATFU_TEST_KAFKA_BROKERS is not set")
	}
	cfg := &Config{
		Brokers: strings.Split(brokers, ","),
		Topic:   "chatfu-test-" + uuid.NewString(),
	}

	conn, err := kafka.Dial("tcp", cfg.Brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	controller, err := conn.Controller()
	require.NoError(t, err)
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()
	require.NoError(t, controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
	return cfg
}

func subscribe(t *testing.T, feed *Feed, spec store.ChangeSpec) (store.Subscription, chan *store.Change) {
	changes := make(chan *store.Change, 100)
	status := make(chan store.Status, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sub, err := feed.Subscribe(ctx, "test", spec, func(change *store.Change) {
		changes <- change
	}, func(s store.Status) {
		status <- s
	})
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)

	select {
	case s := <-status:
		require.Equal(t, store.StatusSubscribed, s)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	return sub, changes
}

func receive(t *testing.T, changes chan *store.Change) *store.Change {
	select {
	case change := <-changes:
		return change
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return nil
}

func TestFeed(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	publisher := NewPublisher(cfg)
	defer publisher.Close()

	filter := store.Eq("channel", "c1")
	_, changes := subscribe(t, New(cfg), store.ChangeSpec{
		Table:  "messages",
		Events: []store.EventType{store.EventInsert, store.EventDelete},
		Filter: &filter,
	})

	require.NoError(t, publisher.Publish(ctx,
		&store.Change{Type: store.EventInsert, Table: "messages", New: store.Record(`{"id":"m1","channel":"c2"}`)},
		&store.Change{Type: store.EventInsert, Table: "channels", New: store.Record(`{"id":"c1"}`)},
		&store.Change{Type: store.EventUpdate, Table: "messages", New: store.Record(`{"id":"m2","channel":"c1"}`)},
		&store.Change{Type: store.EventInsert, Table: "messages", New: store.Record(`{"id":"m3","channel":"c1"}`)},
		&store.Change{Type: store.EventDelete, Table: "messages", Old: store.Record(`{"id":"m3","channel":"c1"}`)},
	))

	change := receive(t, changes)
	assert.Equal(t, store.EventInsert, change.Type)
	assert.JSONEq(t, `{"id":"m3","channel":"c1"}`, string(change.New))

	change = receive(t, changes)
	assert.Equal(t, store.EventDelete, change.Type)
	assert.Nil(t, change.New)
	assert.JSONEq(t, `{"id":"m3","channel":"c1"}`, string(change.Old))
}

func TestPublisher_Forward(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	publisher := NewPublisher(cfg)
	defer publisher.Close()

	backend := memorystore.NewChatBackend()
	forward, err := publisher.Forward(ctx, backend, "channels")
	require.NoError(t, err)
	defer forward.Unsubscribe()

	_, changes := subscribe(t, New(cfg), store.ChangeSpec{
		Table: "channels",
	})

	require.NoError(t, backend.Insert(ctx, "channels", map[string]interface{}{"name": "general", "created_by": "u1"}))
	require.NoError(t, backend.Insert(ctx, "messages", map[string]interface{}{"channel": "c1", "content": "hi"}))

	change := receive(t, changes)
	assert.Equal(t, store.EventInsert, change.Type)
	columns, err := change.New.Columns()
	require.NoError(t, err)
	assert.Equal(t, "general", columns["name"])

	select {
	case change := <-changes:
		t.Fatalf("unexpected change: %v", change.Table)
	case <-time.After(200 * time.Millisecond):
	}
}
