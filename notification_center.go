package chatfu

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/model"
	"github.com/ccbrown/chat-fu/store"
)

// NotificationCenter maintains the caller's most recent notifications.
//
// The notifications table is optional. If it hasn't been provisioned, the center behaves as if
// there were no notifications and writes are silently dropped.
type NotificationCenter struct {
	observable

	config *Config
	logger logrus.FieldLogger

	mutex         sync.Mutex
	notifications []*model.Notification
	loading       bool
	feed          store.Subscription
	started       bool

	// While a load is in flight, change events are held here and replayed once it completes. Only
	// the most recent load is installed.
	fetching     bool
	pending      []*store.Change
	loadSequence uint64
}

func NewNotificationCenter(cfg *Config) (*NotificationCenter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &NotificationCenter{
		config:  cfg,
		logger:  cfg.logger("notifications"),
		loading: true,
	}, nil
}

// Start loads the caller's notifications and subscribes to new ones. If nobody is signed in, Start
// does nothing.
func (c *NotificationCenter) Start(ctx context.Context) error {
	user, err := c.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	} else if user == nil {
		return nil
	}

	c.mutex.Lock()
	if c.started {
		c.mutex.Unlock()
		return nil
	}
	c.started = true
	c.mutex.Unlock()

	filter := store.Eq("user_id", user.Id)
	feed, err := c.config.Store.Subscribe(ctx, NotificationsTopicPrefix+string(user.Id), store.ChangeSpec{
		Table:  NotificationsTable,
		Events: []store.EventType{store.EventInsert, store.EventUpdate},
		Filter: &filter,
	}, c.handleChange, func(status store.Status) {
		c.logger.WithField("status", status).Debug("notification feed status changed")
	})

	c.Load(ctx)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err != nil {
		c.started = false
		return operationError("Unable to subscribe to notifications.", err)
	} else if !c.started {
		// closed while starting
		feed.Unsubscribe()
		return nil
	}
	c.feed = feed
	return nil
}

// Close stops the notification feed. It may be called any number of times.
func (c *NotificationCenter) Close() {
	c.mutex.Lock()
	feed := c.feed
	c.feed = nil
	c.started = false
	c.mutex.Unlock()

	if feed != nil {
		feed.Unsubscribe()
	}
}

// Load fetches the caller's most recent notifications, newest first. A missing notifications table
// results in an empty list. Other failures are logged and leave the list untouched.
func (c *NotificationCenter) Load(ctx context.Context) {
	c.mutex.Lock()
	c.fetching = true
	c.loadSequence++
	load := c.loadSequence
	c.mutex.Unlock()

	user, err := c.config.Auth.User(ctx)
	if err != nil {
		c.logger.WithError(err).Error("error identifying user")
		c.setLoaded(load, nil, false)
		return
	} else if user == nil {
		c.setLoaded(load, nil, true)
		return
	}

	records, err := c.config.Store.Select(ctx, &store.Query{
		Table:   NotificationsTable,
		Filters: []store.Filter{store.Eq("user_id", user.Id)},
		Order: &store.Order{
			Column:    "created_at",
			Ascending: false,
		},
		Limit: c.config.NotificationLimit,
	})
	if err != nil {
		if store.IsUndefinedTable(err) {
			c.logger.Warn("notifications table does not exist")
			c.setLoaded(load, nil, true)
		} else {
			c.logger.WithError(err).Error("error loading notifications")
			c.setLoaded(load, nil, false)
		}
		return
	}

	notifications := make([]*model.Notification, 0, len(records))
	for _, record := range records {
		var notification model.Notification
		if err := record.Decode(&notification); err != nil {
			c.logger.WithError(err).Error("error loading notifications")
			c.setLoaded(load, nil, false)
			return
		}
		notifications = append(notifications, &notification)
	}
	c.setLoaded(load, notifications, true)
}

func (c *NotificationCenter) setLoaded(load uint64, notifications []*model.Notification, replace bool) {
	c.mutex.Lock()
	if load != c.loadSequence {
		// superseded by a newer load, which replays the buffered events
		c.mutex.Unlock()
		return
	}
	c.loading = false
	c.fetching = false
	if replace {
		c.notifications = notifications
	}
	pending := c.pending
	c.pending = nil
	for _, change := range pending {
		c.applyChange(change)
	}
	c.mutex.Unlock()

	c.notify()
}

func (c *NotificationCenter) indexOf(id model.Id) int {
	for i, notification := range c.notifications {
		if notification.Id == id {
			return i
		}
	}
	return -1
}

func (c *NotificationCenter) handleChange(change *store.Change) {
	c.mutex.Lock()
	if c.fetching {
		c.pending = append(c.pending, change)
		c.mutex.Unlock()
		return
	}
	changed := c.applyChange(change)
	c.mutex.Unlock()

	if changed {
		c.notify()
	}
}

// applyChange must be invoked with the mutex held. It returns true if the list was modified.
func (c *NotificationCenter) applyChange(change *store.Change) bool {
	var notification model.Notification
	if err := change.New.Decode(&notification); err != nil {
		c.logger.WithError(err).WithField("type", change.Type).Warn("malformed notification change received")
		return false
	}

	i := c.indexOf(notification.Id)
	switch change.Type {
	case store.EventInsert:
		if i >= 0 {
			c.notifications[i] = &notification
		} else {
			c.notifications = append([]*model.Notification{&notification}, c.notifications...)
		}
		return true
	case store.EventUpdate:
		if i >= 0 {
			c.notifications[i] = &notification
			return true
		}
	}
	return false
}

// Notifications returns the notifications, newest first.
func (c *NotificationCenter) Notifications() []*model.Notification {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ret := make([]*model.Notification, len(c.notifications))
	for i, notification := range c.notifications {
		n := *notification
		ret[i] = &n
	}
	return ret
}

// UnreadCount returns the number of unread notifications in the list.
func (c *NotificationCenter) UnreadCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := 0
	for _, notification := range c.notifications {
		if !notification.Read {
			n++
		}
	}
	return n
}

// Loading returns true until the first load attempt completes.
func (c *NotificationCenter) Loading() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.loading
}

// writeError converts a store failure into the error returned by write operations. A missing table
// is logged and dropped.
//
// TODO: report a missing table as a provisioning error once every deployment creates it.
func (c *NotificationCenter) writeError(err error, message string) error {
	if err == nil {
		return nil
	}
	if store.IsUndefinedTable(err) {
		c.logger.WithError(&SchemaNotReadyError{
			Table: NotificationsTable,
			cause: err,
		}).Warn("notifications table does not exist")
		return nil
	}
	c.logger.WithError(err).Error("error writing notifications")
	return operationError(message, err)
}

// MarkAsRead marks a notification as read. The list is updated once the store reports the change.
func (c *NotificationCenter) MarkAsRead(ctx context.Context, id model.Id) error {
	return c.writeError(c.config.Store.Update(ctx, NotificationsTable, map[string]interface{}{
		"read": true,
	}, store.Eq("id", id)), "Failed to mark notification as read.")
}

// MarkAllAsRead marks all of the caller's unread notifications as read.
func (c *NotificationCenter) MarkAllAsRead(ctx context.Context) error {
	user, err := c.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	} else if user == nil {
		return nil
	}

	return c.writeError(c.config.Store.Update(ctx, NotificationsTable, map[string]interface{}{
		"read": true,
	}, store.Eq("user_id", user.Id), store.Eq("read", false)), "Failed to mark notifications as read.")
}

type newNotificationRow struct {
	UserId  model.Id               `json:"user_id"`
	Type    model.NotificationType `json:"type"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Read    bool                   `json:"read"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// CreateNotification creates a notification addressed to the caller.
func (c *NotificationCenter) CreateNotification(ctx context.Context, notificationType model.NotificationType, title, message string, data map[string]interface{}) error {
	if !notificationType.IsValid() {
		return validationError("Invalid notification type: %v.", notificationType)
	}

	user, err := c.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	} else if user == nil {
		return nil
	}

	return c.writeError(c.config.Store.Insert(ctx, NotificationsTable, &newNotificationRow{
		UserId:  user.Id,
		Type:    notificationType,
		Title:   title,
		Message: message,
		Data:    data,
	}), "Failed to create notification.")
}
