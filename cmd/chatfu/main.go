package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	chatfu "github.com/ccbrown/chat-fu"
	"github.com/ccbrown/chat-fu/auth"
	"github.com/ccbrown/chat-fu/model"
	"github.com/ccbrown/chat-fu/store"
	"github.com/ccbrown/chat-fu/store/kafkafeed"
	"github.com/ccbrown/chat-fu/store/memorystore"
	"github.com/ccbrown/chat-fu/store/pgstore"
	"github.com/ccbrown/chat-fu/store/postgrest"
	"github.com/ccbrown/chat-fu/store/realtime"
	"github.com/ccbrown/chat-fu/store/redispresence"
)

type options struct {
	DatabaseURL  string
	RESTURL      string
	RealtimeURL  string
	APIKey       string
	Token        string
	JWTSecret    string
	RedisAddress string
	KafkaBrokers []string
	KafkaTopic   string
	User         string
	Admin        bool
	TUI          bool
}

// tokenSource is satisfied by *auth.TokenProvider and accepted by the remote backends.
type tokenSource interface {
	Token() string
}

func newAuth(opts *options) (auth.Provider, tokenSource, error) {
	user := &model.User{
		Id:    model.Id(uuid.NewString()),
		Email: strings.ToLower(opts.User) + "@localhost",
		Metadata: model.UserMetadata{
			Name: opts.User,
		},
	}
	if opts.Admin {
		user.Metadata.Role = model.AdminRole
	}

	switch {
	case opts.Token != "":
		provider := auth.NewTokenProvider(opts.Token, []byte(opts.JWTSecret))
		return provider, provider, nil
	case opts.JWTSecret != "":
		token, err := auth.GenerateToken(user, []byte(opts.JWTSecret), 24*time.Hour)
		if err != nil {
			return nil, nil, err
		}
		provider := auth.NewTokenProvider(token, []byte(opts.JWTSecret))
		return provider, provider, nil
	default:
		return &auth.Static{Identity: user}, nil, nil
	}
}

// newStore assembles the store from the configured backends. The returned function releases them.
func newStore(ctx context.Context, opts *options, tokens tokenSource, logger logrus.FieldLogger) (store.Store, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	composite := &store.Composite{}

	// the feed of the tables this process writes to, if it can observe them directly
	var localFeed store.ChangeFeed

	switch {
	case opts.DatabaseURL != "":
		pool, err := pgstore.Connect(ctx, opts.DatabaseURL, logger)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pool.Close)
		backend := pgstore.New(&pgstore.Config{
			Pool: pool,
			PrimaryKeys: map[string]string{
				chatfu.UserPresenceTable: "user_id",
			},
			Logger: logger,
		})
		if err := backend.Migrate(ctx); err != nil {
			return nil, cleanup, err
		}
		composite.Tables = backend
		composite.Changes = backend
		localFeed = backend
	case opts.RESTURL != "":
		composite.Tables = postgrest.New(opts.RESTURL, opts.APIKey, tokens)
	default:
		logger.Info("using a temporary database. if you would like data to be persistent, provide --database-url or --rest-url")
		backend := memorystore.NewChatBackend()
		if err := backend.Insert(ctx, chatfu.ChannelsTable, map[string]interface{}{
			"name":        "general",
			"description": "General discussion",
			"created_by":  "system",
		}); err != nil {
			return nil, cleanup, err
		}
		composite.Tables = backend
		composite.Changes = backend
		composite.Presence = backend
		localFeed = backend
	}

	if opts.RealtimeURL != "" {
		client, err := realtime.Dial(ctx, &realtime.Config{
			URL:    opts.RealtimeURL,
			APIKey: opts.APIKey,
			Tokens: tokens,
			Logger: logger,
		})
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() {
			client.Close()
		})
		composite.Changes = client
		composite.Presence = client
	}

	if len(opts.KafkaBrokers) > 0 {
		cfg := &kafkafeed.Config{
			Brokers: opts.KafkaBrokers,
			Topic:   opts.KafkaTopic,
			Logger:  logger,
		}
		if localFeed != nil {
			publisher := kafkafeed.NewPublisher(cfg)
			closers = append(closers, func() {
				publisher.Close()
			})
			for _, table := range []string{chatfu.ChannelsTable, chatfu.MessagesTable, chatfu.NotificationsTable} {
				sub, err := publisher.Forward(ctx, localFeed, table)
				if err != nil {
					return nil, cleanup, err
				}
				closers = append(closers, sub.Unsubscribe)
			}
		}
		composite.Changes = kafkafeed.New(cfg)
	}

	if opts.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{
			Addr: opts.RedisAddress,
		})
		closers = append(closers, func() {
			client.Close()
		})
		composite.Presence = redispresence.New(&redispresence.Config{
			Redis:  client,
			Logger: logger,
		})
	}

	if composite.Changes == nil {
		return nil, cleanup, fmt.Errorf("a change feed is required. provide --realtime-url or --kafka-brokers")
	}
	if composite.Presence == nil {
		logger.Warn("presence is only shared within this process. provide --realtime-url or --redis-address to share it")
		composite.Presence = memorystore.NewBackend()
	}
	return composite, cleanup, nil
}

func main() {
	opts := &options{}
	pflag.StringVar(&opts.DatabaseURL, "database-url", "", "a postgresql connection string to use the database directly")
	pflag.StringVar(&opts.RESTURL, "rest-url", "", "the table endpoint, e.g. https://project.supabase.co/rest/v1")
	pflag.StringVar(&opts.RealtimeURL, "realtime-url", "", "the realtime websocket endpoint")
	pflag.StringVar(&opts.APIKey, "api-key", "", "the project's api key")
	pflag.StringVar(&opts.Token, "token", "", "an access token identifying the user")
	pflag.StringVar(&opts.JWTSecret, "jwt-secret", "", "the secret used to verify or generate access tokens")
	pflag.StringVar(&opts.RedisAddress, "redis-address", "", "can be used to share presence via redis")
	pflag.StringSliceVar(&opts.KafkaBrokers, "kafka-brokers", nil, "can be used to receive changes via kafka")
	pflag.StringVar(&opts.KafkaTopic, "kafka-topic", "chatfu-changes", "the kafka topic carrying changes")
	pflag.StringVar(&opts.User, "user", "guest", "the display name used when no token is given")
	pflag.BoolVar(&opts.Admin, "admin", false, "give the generated user the admin role")
	pflag.BoolVar(&opts.TUI, "tui", false, "run a full-screen interface instead of reading commands from stdin")
	logLevel := pflag.String("log-level", "info", "the logging level")
	pflag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)
	logger := logrus.StandardLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		logger.Info("signal caught. shutting down...")
		cancel()
		os.Stdin.Close()
	}()

	provider, tokens, err := newAuth(opts)
	if err != nil {
		logger.Fatal(err)
	}

	s, cleanup, err := newStore(ctx, opts, tokens, logger)
	defer cleanup()
	if err != nil {
		logger.Error(err)
		return
	}

	client, err := chatfu.NewClient(&chatfu.Config{
		Store:  s,
		Auth:   provider,
		Logger: logger,
	})
	if err != nil {
		logger.Error(err)
		return
	}
	defer client.Close()

	if opts.TUI {
		ui := newTUI(client)
		go func() {
			if err := client.Start(ctx); err != nil {
				logger.Error(err)
			}
		}()
		if err := ui.Run(ctx, logger); err != nil {
			logger.Error(err)
		}
		return
	}

	term := newTerminal(client, os.Stdout)
	defer term.Close()

	if err := client.Start(ctx); err != nil {
		logger.Error(err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil && scanner.Scan() {
		term.HandleLine(ctx, scanner.Text())
	}
}
