package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/chat-fu/store"
)

// fakeServer speaks enough of the Phoenix protocol to exercise the client.
type fakeServer struct {
	t        *testing.T
	server   *httptest.Server
	received chan *Message
	query    chan map[string][]string

	mutex    sync.Mutex
	conn     *websocket.Conn
	keys     map[string]string
	joinRefs map[string]string
	nextRef  int
}

func newFakeServer(t *testing.T) *fakeServer {
	s := &fakeServer{
		t:        t,
		received: make(chan *Message, 100),
		query:    make(chan map[string][]string, 1),
		keys:     map[string]string{},
		joinRefs: map[string]string{},
	}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s.query <- r.URL.Query()

		s.mutex.Lock()
		s.conn = conn
		s.mutex.Unlock()

		for {
			_, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			require.NoError(t, jsoniter.Unmarshal(p, &msg))
			s.handle(&msg)
			s.received <- &msg
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *fakeServer) send(topic, event string, payload interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	buf, err := jsoniter.Marshal(payload)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.WriteJSON(&Message{
		Topic:   topic,
		Event:   event,
		Payload: buf,
		JoinRef: s.joinRefs[topic],
	}))
}

func (s *fakeServer) reply(msg *Message, status string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	buf, err := jsoniter.Marshal(map[string]interface{}{
		"status":   status,
		"response": map[string]interface{}{},
	})
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.WriteJSON(&Message{
		Topic:   msg.Topic,
		Event:   EventReply,
		Payload: buf,
		Ref:     msg.Ref,
		JoinRef: msg.JoinRef,
	}))
}

func (s *fakeServer) handle(msg *Message) {
	switch msg.Event {
	case EventJoin:
		var payload joinPayload
		require.NoError(s.t, jsoniter.Unmarshal(msg.Payload, &payload))
		if strings.HasSuffix(msg.Topic, ":rejected") {
			s.reply(msg, "error")
			return
		}
		s.mutex.Lock()
		s.keys[msg.Topic] = payload.Config.Presence.Key
		s.joinRefs[msg.Topic] = msg.JoinRef
		s.mutex.Unlock()
		s.reply(msg, "ok")
		if payload.Config.Presence.Key != "" {
			s.send(msg.Topic, EventPresenceState, map[string]interface{}{})
		}
	case EventPresence:
		var payload struct {
			Payload map[string]interface{} `json:"payload"`
		}
		require.NoError(s.t, jsoniter.Unmarshal(msg.Payload, &payload))
		s.mutex.Lock()
		key := s.keys[msg.Topic]
		s.nextRef++
		payload.Payload["phx_ref"] = "ref" + string(rune('0'+s.nextRef))
		s.mutex.Unlock()
		s.send(msg.Topic, EventPresenceDiff, map[string]interface{}{
			"joins": map[string]interface{}{
				key: map[string]interface{}{
					"metas": []interface{}{payload.Payload},
				},
			},
			"leaves": map[string]interface{}{},
		})
	case EventHeartbeat:
		s.reply(msg, "ok")
	}
}

// expect returns the next message with the given event received by the server.
func (s *fakeServer) expect(t *testing.T, event string) *Message {
	for {
		select {
		case msg := <-s.received:
			if msg.Event == event {
				return msg
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v", event)
			return nil
		}
	}
}

func receive[T any](t *testing.T, ch chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

type staticToken string

func (t staticToken) Token() string {
	return string(t)
}

func TestClient_Subscribe(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer(t)

	c, err := Dial(ctx, &Config{
		URL:    server.url(),
		APIKey: "anon",
		Tokens: staticToken("user-token"),
	})
	require.NoError(t, err)
	defer c.Close()

	query := receive(t, server.query)
	assert.Equal(t, []string{"anon"}, query["apikey"])

	changes := make(chan *store.Change, 10)
	statuses := make(chan store.Status, 10)
	filter := store.Eq("channel", "c1")
	sub, err := c.Subscribe(ctx, "messages:c1", store.ChangeSpec{
		Table:  "messages",
		Events: []store.EventType{store.EventInsert, store.EventDelete},
		Filter: &filter,
	}, func(change *store.Change) {
		changes <- change
	}, func(status store.Status) {
		statuses <- status
	})
	require.NoError(t, err)

	join := server.expect(t, EventJoin)
	assert.Equal(t, "realtime:messages:c1", join.Topic)
	var payload joinPayload
	require.NoError(t, jsoniter.Unmarshal(join.Payload, &payload))
	assert.Equal(t, "user-token", payload.AccessToken)
	require.Len(t, payload.Config.PostgresChanges, 2)
	assert.Equal(t, postgresChangesFilter{
		Event:  "INSERT",
		Schema: "public",
		Table:  "messages",
		Filter: "channel=eq.c1",
	}, payload.Config.PostgresChanges[0])

	assert.Equal(t, store.StatusSubscribed, receive(t, statuses))

	_, err = c.Subscribe(ctx, "messages:c1", store.ChangeSpec{Table: "messages"}, func(*store.Change) {}, nil)
	assert.Error(t, err)

	// updates weren't requested
	server.send("realtime:messages:c1", EventPostgresChanges, map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "UPDATE",
			"table":      "messages",
			"record":     map[string]interface{}{"id": "m0", "channel": "c1"},
			"old_record": map[string]interface{}{"id": "m0"},
		},
	})
	server.send("realtime:messages:c1", EventPostgresChanges, map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "INSERT",
			"table":      "messages",
			"record":     map[string]interface{}{"id": "m1", "channel": "c1", "content": "hi"},
			"old_record": map[string]interface{}{},
		},
	})
	server.send("realtime:messages:c1", EventPostgresChanges, map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "DELETE",
			"table":      "messages",
			"record":     nil,
			"old_record": map[string]interface{}{"id": "m1"},
		},
	})

	change := receive(t, changes)
	assert.Equal(t, store.EventInsert, change.Type)
	assert.Nil(t, change.Old)
	var row map[string]interface{}
	require.NoError(t, change.New.Decode(&row))
	assert.Equal(t, "hi", row["content"])

	change = receive(t, changes)
	assert.Equal(t, store.EventDelete, change.Type)
	assert.Nil(t, change.New)
	require.NoError(t, change.Old.Decode(&row))
	assert.Equal(t, "m1", row["id"])

	server.send("realtime:messages:c1", EventError, map[string]interface{}{})
	assert.Equal(t, store.StatusChannelError, receive(t, statuses))

	sub.Unsubscribe()
	sub.Unsubscribe()
	leave := server.expect(t, EventLeave)
	assert.Equal(t, "realtime:messages:c1", leave.Topic)

	// the topic may be joined again
	_, err = c.Subscribe(ctx, "messages:c1", store.ChangeSpec{Table: "messages"}, func(*store.Change) {}, nil)
	assert.NoError(t, err)
}

func TestClient_JoinRejected(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer(t)

	c, err := Dial(ctx, &Config{URL: server.url()})
	require.NoError(t, err)
	defer c.Close()

	statuses := make(chan store.Status, 10)
	_, err = c.Subscribe(ctx, "rejected", store.ChangeSpec{Table: "messages"}, func(*store.Change) {}, func(status store.Status) {
		statuses <- status
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusChannelError, receive(t, statuses))
}

func TestClient_JoinPresence(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer(t)

	c, err := Dial(ctx, &Config{URL: server.url()})
	require.NoError(t, err)

	type event struct {
		kind  string
		key   string
		state store.PresenceState
	}
	events := make(chan event, 10)
	statuses := make(chan store.Status, 10)
	p, err := c.JoinPresence(ctx, "online-users", "u1", store.PresenceHandler{
		Sync: func(state store.PresenceState) {
			events <- event{kind: "sync", state: state}
		},
		Join: func(key string, joined []store.Record) {
			events <- event{kind: "join", key: key}
		},
		Leave: func(key string, left []store.Record) {
			events <- event{kind: "leave", key: key}
		},
	}, func(status store.Status) {
		statuses <- status
	})
	require.NoError(t, err)

	join := server.expect(t, EventJoin)
	var payload joinPayload
	require.NoError(t, jsoniter.Unmarshal(join.Payload, &payload))
	assert.Equal(t, "u1", payload.Config.Presence.Key)

	assert.Equal(t, store.StatusSubscribed, receive(t, statuses))
	initial := receive(t, events)
	assert.Equal(t, "sync", initial.kind)
	assert.Empty(t, initial.state)

	require.NoError(t, p.Track(ctx, map[string]interface{}{"id": "u1", "name": "Alice"}))
	track := server.expect(t, EventPresence)
	assert.Equal(t, join.JoinRef, track.JoinRef)

	assert.Equal(t, event{kind: "join", key: "u1"}, receive(t, events))
	synced := receive(t, events)
	assert.Equal(t, "sync", synced.kind)
	require.Len(t, synced.state["u1"], 1)
	var meta map[string]interface{}
	require.NoError(t, synced.state["u1"][0].Decode(&meta))
	assert.Equal(t, "Alice", meta["name"])
	assert.Len(t, p.State(), 1)

	server.send("realtime:online-users", EventPresenceDiff, map[string]interface{}{
		"joins": map[string]interface{}{},
		"leaves": map[string]interface{}{
			"u1": map[string]interface{}{
				"metas": []interface{}{meta},
			},
		},
	})
	assert.Equal(t, event{kind: "leave", key: "u1"}, receive(t, events))
	assert.Empty(t, receive(t, events).state)
	assert.Empty(t, p.State())

	require.NoError(t, c.Close())
	assert.Equal(t, store.StatusClosed, receive(t, statuses))

	_, err = c.JoinPresence(ctx, "other", "u1", store.PresenceHandler{}, nil)
	assert.Error(t, err)

	// unsubscribing after close is harmless
	p.Unsubscribe()
}

func TestClient_StaleJoinRef(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer(t)

	c, err := Dial(ctx, &Config{URL: server.url()})
	require.NoError(t, err)
	defer c.Close()

	changes := make(chan *store.Change, 10)
	_, err = c.Subscribe(ctx, "channels", store.ChangeSpec{Table: "channels"}, func(change *store.Change) {
		changes <- change
	}, nil)
	require.NoError(t, err)
	server.expect(t, EventJoin)

	server.mutex.Lock()
	current := server.joinRefs["realtime:channels"]
	server.joinRefs["realtime:channels"] = "stale"
	server.mutex.Unlock()
	server.send("realtime:channels", EventPostgresChanges, map[string]interface{}{
		"data": map[string]interface{}{"type": "INSERT", "table": "channels", "record": map[string]interface{}{"id": "stale"}},
	})

	server.mutex.Lock()
	server.joinRefs["realtime:channels"] = current
	server.mutex.Unlock()
	server.send("realtime:channels", EventPostgresChanges, map[string]interface{}{
		"data": map[string]interface{}{"type": "INSERT", "table": "channels", "record": map[string]interface{}{"id": "current"}},
	})

	var row map[string]interface{}
	require.NoError(t, receive(t, changes).New.Decode(&row))
	assert.Equal(t, "current", row["id"])
}
