package chatfu

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/auth"
	"github.com/ccbrown/chat-fu/store"
)

// Table and topic names used by the containers. Topics are namespaced per logical feed so that the
// containers can share a store connection.
const (
	ChannelsTable      = "channels"
	MessagesTable      = "messages"
	NotificationsTable = "notifications"
	UserPresenceTable  = "user_presence"

	ChannelsTopic       = "channels"
	MessagesTopicPrefix = "messages:"
	PresenceTopic       = "online-users"

	NotificationsTopicPrefix = "notifications:"
)

const (
	DefaultHistoryLimit      = 50
	DefaultNotificationLimit = 50
)

// Config defines the collaborators and parameters shared by the state containers.
type Config struct {
	// The store is shared by every container. It must be safe for concurrent use.
	Store store.Store

	// Provides the identity of the caller.
	Auth auth.Provider

	// If not given, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger

	// The number of messages fetched when a channel is selected. Defaults to DefaultHistoryLimit.
	HistoryLimit int

	// The number of notifications fetched on load. Defaults to DefaultNotificationLimit.
	NotificationLimit int

	// Now is used for presence timestamps. If not given, time.Now is used.
	Now func() time.Time

	initOnce sync.Once
}

func (cfg *Config) init() {
	cfg.initOnce.Do(func() {
		if cfg.Logger == nil {
			cfg.Logger = logrus.StandardLogger()
		}
		if cfg.Auth == nil {
			cfg.Auth = &auth.Static{}
		}
		if cfg.HistoryLimit <= 0 {
			cfg.HistoryLimit = DefaultHistoryLimit
		}
		if cfg.NotificationLimit <= 0 {
			cfg.NotificationLimit = DefaultNotificationLimit
		}
		if cfg.Now == nil {
			cfg.Now = time.Now
		}
	})
}

func (cfg *Config) validate() error {
	if cfg.Store == nil {
		return fmt.Errorf("a store is required")
	}
	cfg.init()
	return nil
}

func (cfg *Config) logger(component string) logrus.FieldLogger {
	return cfg.Logger.WithField("component", component)
}
