// Package realtime implements store.ChangeFeed and store.PresenceFeed over a Phoenix channel
// websocket, as spoken by the Supabase realtime service.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/store"
)

// TokenSource provides the access token sent when joining channels. *auth.TokenProvider satisfies
// it.
type TokenSource interface {
	Token() string
}

type Config struct {
	// The websocket endpoint, e.g. "wss://project.supabase.co/realtime/v1/websocket".
	URL string

	// Sent as the apikey query parameter. If Tokens is nil or returns an empty token, it is also
	// used as the access token.
	APIKey string

	Tokens TokenSource

	// The database schema that change feeds refer to. Defaults to "public".
	Schema string

	// If not given, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger

	// Defaults to 25 seconds.
	HeartbeatInterval time.Duration

	// If nil, websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
}

// Client is a realtime socket. Any number of change feeds and presence spaces may be multiplexed
// over it, but topics must be unique.
type Client struct {
	config *Config
	logger logrus.FieldLogger

	conn              *websocket.Conn
	readLoopDone      chan struct{}
	writeLoopDone     chan struct{}
	outgoing          chan *websocket.PreparedMessage
	close             chan struct{}
	closeReceived     chan struct{}
	closeMessage      chan []byte
	beginClosingOnce  sync.Once
	finishClosingOnce sync.Once

	mutex    sync.Mutex
	nextRef  uint64
	channels map[string]*channel
	replies  map[string]func(*replyPayload)
	closed   bool
}

var _ store.ChangeFeed = (*Client)(nil)
var _ store.PresenceFeed = (*Client)(nil)

const connectionSendBufferSize = 100

// Dial connects to the realtime service.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid realtime url")
	}
	query := u.Query()
	if cfg.APIKey != "" {
		query.Set("apikey", cfg.APIKey)
	}
	query.Set("vsn", "1.0.0")
	u.RawQuery = query.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to realtime service")
	}

	c := newClient(cfg)
	c.serve(conn)
	return c, nil
}

func newClient(cfg *Config) *Client {
	ret := &Client{
		config:   cfg,
		logger:   cfg.Logger,
		channels: map[string]*channel{},
		replies:  map[string]func(*replyPayload){},
	}
	if ret.logger == nil {
		ret.logger = logrus.StandardLogger()
	}
	return ret
}

func (c *Client) serve(conn *websocket.Conn) {
	c.conn = conn
	c.readLoopDone = make(chan struct{})
	c.writeLoopDone = make(chan struct{})
	c.outgoing = make(chan *websocket.PreparedMessage, connectionSendBufferSize)
	c.close = make(chan struct{})
	c.closeReceived = make(chan struct{})
	c.closeMessage = make(chan []byte, 1)
	conn.SetCloseHandler(func(code int, text string) error {
		select {
		case <-c.closeReceived:
		default:
			close(c.closeReceived)
		}
		return nil
	})
	go c.readLoop()
	go c.writeLoop()
}

// Close closes the socket. Every channel receives store.StatusClosed.
func (c *Client) Close() error {
	c.beginClosing(websocket.CloseNormalClosure, "close requested by application")
	c.finishClosing()
	return nil
}

func (c *Client) accessToken() string {
	if c.config.Tokens != nil {
		if token := c.config.Tokens.Token(); token != "" {
			return token
		}
	}
	return c.config.APIKey
}

func (c *Client) schema() string {
	if c.config.Schema != "" {
		return c.config.Schema
	}
	return "public"
}

// makeRef must be invoked with the mutex held.
func (c *Client) makeRef() string {
	c.nextRef++
	return strconv.FormatUint(c.nextRef, 10)
}

func (c *Client) push(ctx context.Context, msg *Message, payload interface{}) error {
	buf, err := jsoniter.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "unable to marshal payload")
	}
	msg.Payload = buf
	return c.sendMessage(ctx, msg)
}

func (c *Client) sendMessage(ctx context.Context, msg *Message) error {
	data, err := jsoniter.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "error marshaling message")
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		return errors.Wrap(err, "error preparing message")
	}
	select {
	case c.outgoing <- prepared:
	case <-c.close:
		return fmt.Errorf("connection is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string, spec store.ChangeSpec, handler func(*store.Change), onStatus func(store.Status)) (store.Subscription, error) {
	events := spec.Events
	if len(events) == 0 {
		events = []store.EventType{store.EventAll}
	}
	var config joinConfig
	for _, event := range events {
		filter := postgresChangesFilter{
			Event:  string(event),
			Schema: c.schema(),
			Table:  spec.Table,
		}
		if spec.Filter != nil {
			filter.Filter = spec.Filter.String()
		}
		config.PostgresChanges = append(config.PostgresChanges, filter)
	}

	ch := newChannel(c, topic, onStatus)
	ch.spec = &spec
	ch.handler = handler
	if err := c.join(ctx, ch, &config); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Client) JoinPresence(ctx context.Context, topic, key string, handler store.PresenceHandler, onStatus func(store.Status)) (store.Presence, error) {
	config := joinConfig{
		PostgresChanges: []postgresChangesFilter{},
	}
	config.Presence.Key = key

	ch := newChannel(c, topic, onStatus)
	ch.presenceHandler = &handler
	ch.state = store.PresenceState{}
	if err := c.join(ctx, ch, &config); err != nil {
		return nil, err
	}
	return ch, nil
}

// join registers the channel and sends the join request. The reply is delivered asynchronously.
func (c *Client) join(ctx context.Context, ch *channel, config *joinConfig) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		ch.queue.Stop()
		return fmt.Errorf("connection is closed")
	} else if _, ok := c.channels[ch.topic]; ok {
		c.mutex.Unlock()
		ch.queue.Stop()
		return fmt.Errorf("already joined %v", ch.topic)
	}
	ch.joinRef = c.makeRef()
	c.channels[ch.topic] = ch
	c.replies[ch.joinRef] = ch.handleJoinReply
	c.mutex.Unlock()

	if err := c.push(ctx, &Message{
		Topic:   ch.topic,
		Event:   EventJoin,
		Ref:     ch.joinRef,
		JoinRef: ch.joinRef,
	}, &joinPayload{
		Config:      *config,
		AccessToken: c.accessToken(),
	}); err != nil {
		c.removeChannel(ch)
		ch.queue.Stop()
		return errors.Wrapf(err, "unable to join %v", ch.topic)
	}
	return nil
}

// removeChannel returns false if the connection is closed.
func (c *Client) removeChannel(ch *channel) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	delete(c.replies, ch.joinRef)
	return !c.closed
}

func (c *Client) readLoop() {
	defer close(c.readLoopDone)
	defer c.beginClosing(websocket.CloseInternalServerErr, "read error")

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			if _, ok := err.(*websocket.CloseError); !ok {
				select {
				case <-c.close:
				default:
					c.logger.WithError(err).Error("websocket read error")
				}
			}
			return
		}

		c.handleMessage(p)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := jsoniter.Unmarshal(data, &msg); err != nil {
		// ignore malformed messages
		return
	}

	if msg.Event == EventReply {
		c.mutex.Lock()
		f := c.replies[msg.Ref]
		delete(c.replies, msg.Ref)
		c.mutex.Unlock()

		if f != nil {
			var reply replyPayload
			if err := jsoniter.Unmarshal(msg.Payload, &reply); err != nil {
				reply.Status = "error"
			}
			f(&reply)
		}
		return
	}

	c.mutex.Lock()
	ch := c.channels[msg.Topic]
	c.mutex.Unlock()

	// messages addressed to a previous join of the same topic are dropped
	if ch == nil || (msg.JoinRef != "" && msg.JoinRef != ch.joinRef) {
		return
	}
	ch.handleMessage(&msg)
}

var heartbeatPreparedMessage *websocket.PreparedMessage

func init() {
	data, err := jsoniter.Marshal(&Message{
		Topic:   PhoenixTopic,
		Event:   EventHeartbeat,
		Payload: json.RawMessage(`{}`),
		Ref:     "heartbeat",
	})
	if err != nil {
		panic(errors.Wrap(err, "error marshaling message"))
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		panic(errors.Wrap(err, "error preparing message"))
	}
	heartbeatPreparedMessage = prepared
}

func (c *Client) writeLoop() {
	defer c.finishClosing()
	defer close(c.writeLoopDone)

	defer c.conn.Close()

	interval := c.config.HeartbeatInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	heartbeatTicker := time.NewTicker(interval)
	defer heartbeatTicker.Stop()

	for {
		var msg *websocket.PreparedMessage
		select {
		case outgoing := <-c.outgoing:
			msg = outgoing
		case <-heartbeatTicker.C:
			msg = heartbeatPreparedMessage
		case msg := <-c.closeMessage:
			// flush outgoing messages such as leaves before closing
			for done := false; !done; {
				select {
				case msg := <-c.outgoing:
					c.conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := c.conn.WritePreparedMessage(msg); err != nil {
						if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) && err != websocket.ErrCloseSent {
							c.logger.WithError(err).Error("websocket write error")
						}
						done = true
					}
				default:
					done = true
				}
			}

			// initiate the close handshake
			if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && err != websocket.ErrCloseSent {
				c.logger.WithError(err).Debug("websocket control write error")
			}
			// wait for the response, then close the connection
			select {
			case <-c.closeReceived:
			case <-c.readLoopDone:
			case <-time.After(time.Second):
			}
			return
		case <-c.closeReceived:
			// the server initiated the close handshake
			if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "close requested by server")); err != nil {
				c.logger.WithError(err).Debug("websocket control write error")
			}
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

		if err := c.conn.WritePreparedMessage(msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) && err != websocket.ErrCloseSent {
				c.logger.WithError(err).Error("websocket write error")
			}
			return
		}
	}
}

func (c *Client) beginClosing(code int, text string) {
	c.beginClosingOnce.Do(func() {
		c.closeMessage <- websocket.FormatCloseMessage(code, text)
		close(c.close)
	})
}

func (c *Client) finishClosing() {
	<-c.readLoopDone
	<-c.writeLoopDone
	c.finishClosingOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		channels := c.channels
		c.channels = map[string]*channel{}
		c.replies = map[string]func(*replyPayload){}
		c.mutex.Unlock()

		for _, ch := range channels {
			ch.handleClose()
		}
	})
}
