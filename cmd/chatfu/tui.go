package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"

	chatfu "github.com/ccbrown/chat-fu"
	"github.com/ccbrown/chat-fu/model"
)

var (
	colorBg     = tcell.NewRGBColor(0, 0, 128)
	colorFg     = tcell.NewRGBColor(192, 192, 192)
	colorBorder = tcell.NewRGBColor(0, 255, 255)
	colorTitle  = tcell.NewRGBColor(255, 255, 255)
	colorBar    = tcell.NewRGBColor(0, 128, 128)
)

// tui is a full-screen front end. Messages and command output share the center pane, which is
// driven by a terminal.
type tui struct {
	app    *tview.Application
	client *chatfu.Client

	channelList *tview.List
	output      *tview.TextView
	users       *tview.TextView
	input       *tview.InputField
	statusBar   *tview.TextView

	// only accessed on the ui goroutine
	channels []*model.Channel

	subscriptions []*chatfu.Subscription
}

func newPane(title string) *tview.TextView {
	view := tview.NewTextView()
	view.SetBorder(true)
	view.SetBorderColor(colorBorder)
	view.SetBackgroundColor(colorBg)
	view.SetTitle(title)
	view.SetTitleColor(colorTitle)
	view.SetTextColor(colorFg)
	view.SetScrollable(true)
	return view
}

func newTUI(client *chatfu.Client) *tui {
	t := &tui{
		app:    tview.NewApplication(),
		client: client,
		output: newPane(" Messages "),
		users:  newPane(" Online "),
	}
	t.output.SetChangedFunc(func() {
		t.app.Draw()
	})

	t.channelList = tview.NewList()
	t.channelList.SetBorder(true)
	t.channelList.SetBorderColor(colorBorder)
	t.channelList.SetBackgroundColor(colorBg)
	t.channelList.SetTitle(" Channels ")
	t.channelList.SetTitleColor(colorTitle)
	t.channelList.SetMainTextColor(colorFg)
	t.channelList.SetSelectedBackgroundColor(colorBar)
	t.channelList.SetHighlightFullLine(true)
	t.channelList.ShowSecondaryText(false)
	t.channelList.SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
		if index < len(t.channels) {
			id := t.channels[index].Id
			go client.Channels.SetActiveChannel(id)
		}
		t.app.SetFocus(t.input)
	})

	t.input = tview.NewInputField()
	t.input.SetLabel("> ")
	t.input.SetFieldWidth(0)
	t.input.SetBackgroundColor(colorBg)
	t.input.SetFieldBackgroundColor(tcell.NewRGBColor(0, 0, 64))
	t.input.SetFieldTextColor(colorFg)
	t.input.SetLabelColor(colorBorder)
	t.input.SetBorder(true)
	t.input.SetBorderColor(colorBorder)

	t.statusBar = tview.NewTextView()
	t.statusBar.SetBackgroundColor(colorBar)
	t.statusBar.SetTextColor(colorTitle)
	t.statusBar.SetTextAlign(tview.AlignCenter)

	t.subscriptions = append(t.subscriptions,
		client.Channels.Subscribe(t.queueRefresh),
		client.Messages.Subscribe(t.queueRefresh),
		client.Notifications.Subscribe(t.queueRefresh),
	)
	return t
}

func (t *tui) queueRefresh() {
	t.app.QueueUpdateDraw(t.refresh)
}

func (t *tui) refresh() {
	active := t.client.Channels.ActiveChannel()
	t.channels = t.client.Channels.Channels()
	t.channelList.Clear()
	activeName := ""
	for i, channel := range t.channels {
		t.channelList.AddItem("#"+channel.Name, channel.Description, 0, nil)
		if channel.Id == active {
			t.channelList.SetCurrentItem(i)
			activeName = channel.Name
		}
	}

	var users []string
	for _, user := range t.client.Messages.Users() {
		users = append(users, user.Name)
	}
	t.users.SetText(strings.Join(users, "\n"))

	connection := "connecting"
	if t.client.Messages.Connected() {
		connection = "connected"
	}
	t.statusBar.SetText(fmt.Sprintf(" #%v | %v | %v unread | Tab:Channels | Esc:Quit ", activeName, connection, t.client.Notifications.UnreadCount()))
}

// Run blocks until the user quits or ctx is done. Log output is redirected to the message pane
// while the ui is running.
func (t *tui) Run(ctx context.Context, logger *logrus.Logger) error {
	term := newTerminal(t.client, t.output)
	defer term.Close()
	defer func() {
		for _, sub := range t.subscriptions {
			sub.Stop()
		}
	}()

	out := logger.Out
	logger.SetOutput(t.output)
	defer logger.SetOutput(out)

	t.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := t.input.GetText()
		t.input.SetText("")
		go term.HandleLine(ctx, line)
	})

	layout := tview.NewFlex().
		AddItem(t.channelList, 24, 0, false).
		AddItem(t.output, 0, 1, false).
		AddItem(t.users, 20, 0, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(layout, 0, 1, false).
		AddItem(t.input, 3, 0, true).
		AddItem(t.statusBar, 1, 0, false)
	root.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyF10:
			t.app.Stop()
			return nil
		case tcell.KeyTab:
			if t.channelList.HasFocus() {
				t.app.SetFocus(t.input)
			} else {
				t.app.SetFocus(t.channelList)
			}
			return nil
		}
		return event
	})

	go func() {
		<-ctx.Done()
		t.app.Stop()
	}()

	t.refresh()
	return t.app.SetRoot(root, true).EnableMouse(false).Run()
}
