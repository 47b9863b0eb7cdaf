package chatfu

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/model"
	"github.com/ccbrown/chat-fu/store"
)

// ChannelDirectory maintains the list of channels and the currently selected channel.
type ChannelDirectory struct {
	observable

	config *Config
	logger logrus.FieldLogger

	// serializes loads so that a slow load can't overwrite the result of a later one
	loadMutex sync.Mutex

	mutex         sync.Mutex
	channels      []*model.Channel
	activeChannel model.Id
	loading       bool
	canCreate     bool
	feed          store.Subscription
	cancel        context.CancelFunc
}

func NewChannelDirectory(cfg *Config) (*ChannelDirectory, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &ChannelDirectory{
		config:  cfg,
		logger:  cfg.logger("channels"),
		loading: true,
	}, nil
}

// Start loads the channel list and subscribes to channel changes. Any change causes the list to be
// reloaded. If nobody is signed in, Start does nothing.
func (d *ChannelDirectory) Start(ctx context.Context) error {
	user, err := d.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	} else if user == nil {
		return nil
	}

	d.mutex.Lock()
	if d.cancel != nil {
		d.mutex.Unlock()
		return nil
	}
	feedCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.canCreate = true
	d.mutex.Unlock()

	feed, err := d.config.Store.Subscribe(ctx, ChannelsTopic, store.ChangeSpec{
		Table:  ChannelsTable,
		Events: []store.EventType{store.EventAll},
	}, func(change *store.Change) {
		d.Reload(feedCtx)
	}, func(status store.Status) {
		d.logger.WithField("status", status).Debug("channel feed status changed")
	})

	d.Reload(ctx)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err != nil {
		cancel()
		d.cancel = nil
		return operationError("Unable to subscribe to channel changes.", err)
	} else if d.cancel == nil {
		// closed while starting
		feed.Unsubscribe()
		return nil
	}
	d.feed = feed
	return nil
}

// Close stops the channel feed. It may be called any number of times.
func (d *ChannelDirectory) Close() {
	d.mutex.Lock()
	feed := d.feed
	d.feed = nil
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mutex.Unlock()

	if feed != nil {
		feed.Unsubscribe()
	}
}

// Reload fetches the channel list. Failures are logged and leave the current list untouched. If no
// channel is selected, the earliest channel becomes the active channel.
func (d *ChannelDirectory) Reload(ctx context.Context) {
	d.load(ctx)
	d.notify()
}

func (d *ChannelDirectory) load(ctx context.Context) {
	d.loadMutex.Lock()
	defer d.loadMutex.Unlock()

	records, err := d.config.Store.Select(ctx, &store.Query{
		Table: ChannelsTable,
		Order: &store.Order{
			Column:    "created_at",
			Ascending: true,
		},
	})

	var channels []*model.Channel
	if err == nil {
		channels = make([]*model.Channel, 0, len(records))
		for _, record := range records {
			var channel model.Channel
			if err = record.Decode(&channel); err != nil {
				break
			}
			channels = append(channels, &channel)
		}
	}

	d.mutex.Lock()
	d.loading = false
	if err != nil {
		d.logger.WithError(err).Error("error loading channels")
	} else {
		d.channels = channels
		if d.activeChannel == "" && len(channels) > 0 {
			d.activeChannel = channels[0].Id
		}
	}
	d.mutex.Unlock()
}

// Channels returns the channels in ascending order of creation.
func (d *ChannelDirectory) Channels() []*model.Channel {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	ret := make([]*model.Channel, len(d.channels))
	for i, channel := range d.channels {
		c := *channel
		ret[i] = &c
	}
	return ret
}

// Channel returns the channel with the given id, or nil if it isn't in the list.
func (d *ChannelDirectory) Channel(id model.Id) *model.Channel {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if channel := d.channel(id); channel != nil {
		ret := *channel
		return &ret
	}
	return nil
}

// ChannelByName returns the channel with the given normalized name, or nil.
func (d *ChannelDirectory) ChannelByName(name string) *model.Channel {
	name = model.NormalizeChannelName(name)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, channel := range d.channels {
		if channel.Name == name {
			ret := *channel
			return &ret
		}
	}
	return nil
}

func (d *ChannelDirectory) channel(id model.Id) *model.Channel {
	for _, channel := range d.channels {
		if channel.Id == id {
			return channel
		}
	}
	return nil
}

func (d *ChannelDirectory) ActiveChannel() model.Id {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.activeChannel
}

func (d *ChannelDirectory) SetActiveChannel(id model.Id) {
	d.mutex.Lock()
	changed := d.activeChannel != id
	d.activeChannel = id
	d.mutex.Unlock()

	if changed {
		d.notify()
	}
}

// Loading returns true until the first load attempt completes.
func (d *ChannelDirectory) Loading() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.loading
}

// CanCreateChannels returns true if the caller may create channels. Currently any signed in user
// may.
func (d *ChannelDirectory) CanCreateChannels() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.canCreate
}

type newChannelRow struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatedBy   model.Id `json:"created_by"`
	IsPrivate   bool     `json:"is_private"`
}

// CreateChannel creates a channel. The name is normalized to a slug first. The new channel is not
// added to the list directly. It appears once the store reports the change.
func (d *ChannelDirectory) CreateChannel(ctx context.Context, name, description string, isPrivate bool) error {
	user, err := d.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	} else if user == nil {
		return authorizationError("You must be logged in to create channels.")
	}

	slug := model.NormalizeChannelName(name)
	if slug == "" {
		return validationError("Please provide a valid channel name.")
	}

	if err := d.config.Store.Insert(ctx, ChannelsTable, &newChannelRow{
		Name:        slug,
		Description: description,
		CreatedBy:   user.Id,
		IsPrivate:   isPrivate,
	}); err != nil {
		if store.IsUniqueViolation(err) {
			return &ConflictError{
				message: "A channel with this name already exists.",
				cause:   err,
			}
		}
		d.logger.WithError(err).Error("error creating channel")
		return operationError("Failed to create channel.", err)
	}
	return nil
}

// DeleteChannel deletes a channel created by the caller. Admins may delete any channel. The channel
// remains in the list until the store reports the deletion.
func (d *ChannelDirectory) DeleteChannel(ctx context.Context, id model.Id) error {
	user, err := d.config.Auth.User(ctx)
	if err != nil {
		return operationError("Unable to identify the current user.", err)
	}

	channel := d.Channel(id)
	if channel == nil {
		return &NotFoundError{
			Kind: "channel",
			Id:   id,
		}
	} else if user == nil || (channel.CreatedBy != user.Id && !user.IsAdmin()) {
		return authorizationError("You can only delete channels you created.")
	}

	if err := d.config.Store.Delete(ctx, ChannelsTable, store.Eq("id", id)); err != nil {
		d.logger.WithError(err).Error("error deleting channel")
		return operationError("Failed to delete channel.", err)
	}
	return nil
}
