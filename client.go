package chatfu

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Client composes the state containers over a single store. The message stream follows the
// directory's active channel.
type Client struct {
	Channels      *ChannelDirectory
	Messages      *MessageStream
	Notifications *NotificationCenter

	logger logrus.FieldLogger

	// serializes message stream scope changes
	switchMutex sync.Mutex

	ctx                   context.Context
	cancel                context.CancelFunc
	directorySubscription *Subscription
	closeOnce             sync.Once
}

func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	channels, err := NewChannelDirectory(cfg)
	if err != nil {
		return nil, err
	}
	messages, err := NewMessageStream(cfg)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationCenter(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Channels:      channels,
		Messages:      messages,
		Notifications: notifications,
		logger:        cfg.logger("client"),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start starts the channel directory and the notification center, then scopes the message stream
// to the active channel. Start returns the first error encountered, but every container is started
// regardless.
func (c *Client) Start(ctx context.Context) error {
	c.switchMutex.Lock()
	if c.directorySubscription == nil && c.ctx.Err() == nil {
		c.directorySubscription = c.Channels.Subscribe(func() {
			go c.syncActiveChannel()
		})
	}
	c.switchMutex.Unlock()

	var firstErr error
	if err := c.Channels.Start(ctx); err != nil {
		c.logger.WithError(err).Error("error starting channel directory")
		firstErr = err
	}
	if err := c.Notifications.Start(ctx); err != nil {
		c.logger.WithError(err).Error("error starting notification center")
		if firstErr == nil {
			firstErr = err
		}
	}
	c.syncActiveChannel()
	return firstErr
}

func (c *Client) syncActiveChannel() {
	c.switchMutex.Lock()
	defer c.switchMutex.Unlock()

	if c.ctx.Err() != nil {
		return
	}

	id := c.Channels.ActiveChannel()
	if id == c.Messages.ActiveChannel() {
		return
	}
	if err := c.Messages.SetActiveChannel(c.ctx, id); err != nil {
		c.logger.WithError(err).WithField("channel", id).Error("error switching channels")
	}
}

// Close tears down every feed. It may be called any number of times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.switchMutex.Lock()
		if c.directorySubscription != nil {
			c.directorySubscription.Stop()
		}
		c.Messages.Close()
		c.switchMutex.Unlock()

		c.Channels.Close()
		c.Notifications.Close()
	})
}
