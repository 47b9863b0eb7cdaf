// Package store defines the contract between the chat core and the relational store it mirrors.
//
// The store is made up of three independent capabilities: table operations, row-change feeds and
// presence feeds. Backends may implement any subset of them, and Composite can be used to assemble
// a complete Store from several backends.
package store

import (
	"context"
)

// Tables provides point queries and row-level mutations. Constraint violations are reported as
// *Error values.
type Tables interface {
	Select(ctx context.Context, query *Query) ([]Record, error)
	Insert(ctx context.Context, table string, row interface{}) error

	// Upsert inserts the row or, if a row with the same primary key exists, merges the given
	// columns into it.
	Upsert(ctx context.Context, table string, row interface{}) error

	Update(ctx context.Context, table string, values map[string]interface{}, filters ...Filter) error
	Delete(ctx context.Context, table string, filters ...Filter) error
}

// ChangeFeed delivers row-level change events.
type ChangeFeed interface {
	// Subscribe starts a change feed. Topics name the logical feed and must be unique among the
	// subscriptions of a store. The subscription handshake completes asynchronously: onStatus is
	// invoked with StatusSubscribed once events will be delivered.
	//
	// Events and status updates for a single subscription are delivered sequentially, in the order
	// the store emits them. Once Unsubscribe returns, no new callbacks are started.
	Subscribe(ctx context.Context, topic string, spec ChangeSpec, handler func(*Change), onStatus func(Status)) (Subscription, error)
}

// PresenceFeed provides ephemeral presence spaces.
type PresenceFeed interface {
	// JoinPresence joins the presence space with the given topic. Key identifies the caller within
	// the space. As with ChangeFeed, callbacks are delivered sequentially and onStatus reports the
	// completion of the handshake.
	JoinPresence(ctx context.Context, topic, key string, handler PresenceHandler, onStatus func(Status)) (Presence, error)
}

// Store is the complete collaborator used by the chat core.
type Store interface {
	Tables
	ChangeFeed
	PresenceFeed
}

// Subscription is a handle for a running feed.
type Subscription interface {
	// Unsubscribe stops the feed. It may be called any number of times.
	Unsubscribe()
}

// Status describes the state of a feed's handshake.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// Composite is a Store assembled from independent backends.
type Composite struct {
	Tables   Tables
	Changes  ChangeFeed
	Presence PresenceFeed
}

var _ Store = (*Composite)(nil)

func (c *Composite) Select(ctx context.Context, query *Query) ([]Record, error) {
	return c.Tables.Select(ctx, query)
}

func (c *Composite) Insert(ctx context.Context, table string, row interface{}) error {
	return c.Tables.Insert(ctx, table, row)
}

func (c *Composite) Upsert(ctx context.Context, table string, row interface{}) error {
	return c.Tables.Upsert(ctx, table, row)
}

func (c *Composite) Update(ctx context.Context, table string, values map[string]interface{}, filters ...Filter) error {
	return c.Tables.Update(ctx, table, values, filters...)
}

func (c *Composite) Delete(ctx context.Context, table string, filters ...Filter) error {
	return c.Tables.Delete(ctx, table, filters...)
}

func (c *Composite) Subscribe(ctx context.Context, topic string, spec ChangeSpec, handler func(*Change), onStatus func(Status)) (Subscription, error) {
	return c.Changes.Subscribe(ctx, topic, spec, handler, onStatus)
}

func (c *Composite) JoinPresence(ctx context.Context, topic, key string, handler PresenceHandler, onStatus func(Status)) (Presence, error) {
	return c.Presence.JoinPresence(ctx, topic, key, handler, onStatus)
}
