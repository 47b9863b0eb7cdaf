package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	chatfu "github.com/ccbrown/chat-fu"
	"github.com/ccbrown/chat-fu/model"
)

// terminal renders client state as lines of text and executes commands.
type terminal struct {
	client *chatfu.Client
	out    io.Writer

	mutex         sync.Mutex
	activeChannel model.Id
	printed       map[model.Id]struct{}
	unread        int

	subscriptions []*chatfu.Subscription
}

func newTerminal(client *chatfu.Client, out io.Writer) *terminal {
	t := &terminal{
		client:  client,
		out:     out,
		printed: map[model.Id]struct{}{},
	}
	t.subscriptions = append(t.subscriptions,
		client.Messages.Subscribe(t.messagesChanged),
		client.Notifications.Subscribe(t.notificationsChanged),
	)
	return t
}

func (t *terminal) Close() {
	for _, sub := range t.subscriptions {
		sub.Stop()
	}
}

func (t *terminal) printf(format string, args ...interface{}) {
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) messagesChanged() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if id := t.client.Messages.ActiveChannel(); id != t.activeChannel {
		t.activeChannel = id
		t.printed = map[model.Id]struct{}{}
		if channel := t.client.Channels.Channel(id); channel != nil {
			t.printf("-- #%v --", channel.Name)
		}
	}
	for _, m := range t.client.Messages.Messages() {
		if _, ok := t.printed[m.Id]; ok {
			continue
		}
		t.printed[m.Id] = struct{}{}
		t.printf("[%v] %v: %v", m.Id, m.UserName, m.Content)
	}
}

func (t *terminal) notificationsChanged() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	unread := t.client.Notifications.UnreadCount()
	if unread > t.unread {
		t.printf("** %v unread notification(s) **", unread)
	}
	t.unread = unread
}

func (t *terminal) reportError(err error) {
	var sanitized chatfu.SanitizedError
	if errors.As(err, &sanitized) {
		t.printf("error: %v", sanitized.SanitizedError())
	} else {
		t.printf("error: %v", err)
	}
}

// HandleLine executes a command or, if the line isn't a command, sends it as a message.
func (t *terminal) HandleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "/") {
		if t.client.Messages.ActiveChannel() == "" {
			t.printf("join a channel first")
			return
		}
		if err := t.client.Messages.SendMessage(ctx, line); err != nil {
			t.reportError(err)
		}
		return
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	if err := t.execute(ctx, command, args); err != nil {
		t.reportError(err)
	}
}

func (t *terminal) channelByName(name string) (*model.Channel, error) {
	if channel := t.client.Channels.ChannelByName(name); channel != nil {
		return channel, nil
	}
	return nil, fmt.Errorf("no channel named %v", name)
}

func (t *terminal) execute(ctx context.Context, command string, args []string) error {
	switch command {
	case "/channels":
		active := t.client.Channels.ActiveChannel()
		for _, channel := range t.client.Channels.Channels() {
			marker := " "
			if channel.Id == active {
				marker = "*"
			}
			t.printf("%v #%v %v", marker, channel.Name, channel.Description)
		}
	case "/join":
		if len(args) != 1 {
			return fmt.Errorf("usage: /join <name>")
		}
		channel, err := t.channelByName(args[0])
		if err != nil {
			return err
		}
		t.client.Channels.SetActiveChannel(channel.Id)
	case "/create":
		if len(args) < 1 {
			return fmt.Errorf("usage: /create <name> [description]")
		}
		return t.client.Channels.CreateChannel(ctx, args[0], strings.Join(args[1:], " "), false)
	case "/delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: /delete <name>")
		}
		channel, err := t.channelByName(args[0])
		if err != nil {
			return err
		}
		return t.client.Channels.DeleteChannel(ctx, channel.Id)
	case "/like":
		if len(args) != 1 {
			return fmt.Errorf("usage: /like <id>")
		}
		return t.client.Messages.LikeMessage(ctx, model.Id(args[0]))
	case "/rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: /rm <id>")
		}
		return t.client.Messages.DeleteMessage(ctx, model.Id(args[0]))
	case "/who":
		for _, user := range t.client.Messages.Users() {
			t.printf("%v (%v)", user.Name, user.Status)
		}
	case "/notifications":
		for _, n := range t.client.Notifications.Notifications() {
			marker := " "
			if !n.Read {
				marker = "!"
			}
			t.printf("%v [%v] %v: %v", marker, n.Type, n.Title, n.Message)
		}
		t.printf("%v unread", t.client.Notifications.UnreadCount())
	case "/read-all":
		return t.client.Notifications.MarkAllAsRead(ctx)
	default:
		return fmt.Errorf("unknown command %v", command)
	}
	return nil
}
