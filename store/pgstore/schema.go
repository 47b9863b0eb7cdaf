package pgstore

import (
	"context"
	"fmt"
)

// Schema creates the chat tables along with the trigger function that publishes their changes.
// Notification payloads are limited to 8000 bytes, so very large rows can't be delivered.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	id text PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name text NOT NULL UNIQUE,
	description text,
	created_by text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	is_private boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS messages (
	id text PRIMARY KEY DEFAULT gen_random_uuid()::text,
	content text NOT NULL,
	user_id text NOT NULL,
	user_name text NOT NULL,
	avatar_url text,
	created_at timestamptz NOT NULL DEFAULT now(),
	likes integer NOT NULL DEFAULT 0,
	replies integer NOT NULL DEFAULT 0,
	channel text NOT NULL REFERENCES channels (id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_channel_created_at ON messages (channel, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id text PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id text NOT NULL,
	type text NOT NULL,
	title text NOT NULL,
	message text NOT NULL,
	read boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL DEFAULT now(),
	data jsonb
);

CREATE INDEX IF NOT EXISTS notifications_user_id_created_at ON notifications (user_id, created_at);

CREATE TABLE IF NOT EXISTS user_presence (
	user_id text PRIMARY KEY,
	last_seen timestamptz NOT NULL,
	is_online boolean NOT NULL,
	status text
);
`

// notifyFunction publishes every row change as a JSON-encoded store.Change.
const notifyFunction = `
CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%[2]s, json_build_object(
		'type', TG_OP,
		'table', TG_TABLE_NAME,
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql
`

// Migrate creates the chat schema if needed and installs change triggers on its tables.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.config.Pool.Exec(ctx, Schema); err != nil {
		return convertError(err, "unable to create schema")
	}
	return b.InstallTriggers(ctx, "channels", "messages", "notifications")
}

// InstallTriggers publishes the changes of the given tables on the notification channel.
func (b *Backend) InstallTriggers(ctx context.Context, tables ...string) error {
	function := ident(b.notifyChannel() + "_notify")
	channel := "'" + b.notifyChannel() + "'"
	if _, err := b.config.Pool.Exec(ctx, fmt.Sprintf(notifyFunction, function, channel)); err != nil {
		return convertError(err, "unable to create trigger function")
	}
	for _, table := range tables {
		trigger := ident(table + "_" + b.notifyChannel())
		for _, sql := range []string{
			fmt.Sprintf("DROP TRIGGER IF EXISTS %v ON %v", trigger, ident(table)),
			fmt.Sprintf("CREATE TRIGGER %v AFTER INSERT OR UPDATE OR DELETE ON %v FOR EACH ROW EXECUTE FUNCTION %v()", trigger, ident(table), function),
		} {
			if _, err := b.config.Pool.Exec(ctx, sql); err != nil {
				return convertError(err, "unable to install trigger")
			}
		}
	}
	return nil
}
