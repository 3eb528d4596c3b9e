package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/api"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/auth"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/chat"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/config"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/credstore"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/realtime"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/transport"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: carely <command> [args]

commands:
  login <username> <password>   authenticate and persist the session
  logout                        clear the local session
  chats [search]                list conversations
  messages <conversation-id>    print a conversation's messages
  send <conversation-id> <text> send a message
  watch                         connect and stream incoming events`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	// 加载配置
	configPath := os.Getenv("CARELY_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 装配网络层
	tr := transport.New(logger)
	apiClient := api.New(cfg.API.BaseURL, tr, cfg.API.Timeout, logger)

	creds, err := credstore.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("Failed to open local store", "error", err)
		os.Exit(1)
	}
	defer creds.Close()

	authSvc := auth.NewService(apiClient, creds, cfg.App.Platform, logger)

	if err := run(ctx, os.Args[1], os.Args[2:], cfg, authSvc, apiClient, logger); err != nil {
		logger.Error("Command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, cfg *config.Config,
	authSvc *auth.Service, apiClient *api.Client, logger *slog.Logger) error {

	switch cmd {
	case "login":
		if len(args) != 2 {
			usage()
		}
		user, err := authSvc.Login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s (%s)\n", user.Username, user.Id)
		return nil

	case "logout":
		return authSvc.Logout(ctx)
	}

	// 其余命令需要已登录态
	user, err := authSvc.Rehydrate(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotLoggedIn) {
			return fmt.Errorf("not logged in, run: carely login <username> <password>")
		}
		return err
	}

	store := chat.New(chat.NewRESTBackend(apiClient), user.Id, logger)

	switch cmd {
	case "chats":
		search := ""
		if len(args) > 0 {
			search = args[0]
		}
		if err := store.FetchConversations(ctx, search); err != nil {
			return err
		}
		for _, c := range store.Conversations() {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
			}
			fmt.Printf("%s  unread=%d  %s\n", c.Id, c.UnreadCount, last)
		}
		return nil

	case "messages":
		if len(args) != 1 {
			usage()
		}
		if err := store.FetchConversations(ctx, ""); err != nil {
			return err
		}
		if err := store.FetchMessages(ctx, args[0]); err != nil {
			return err
		}
		for _, m := range store.Messages(args[0]) {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderId, m.Content)
		}
		return nil

	case "send":
		if len(args) != 2 {
			usage()
		}
		if err := store.FetchConversations(ctx, ""); err != nil {
			return err
		}
		msg, err := store.SendMessage(ctx, args[0], args[1], nil)
		if err != nil {
			return err
		}
		fmt.Printf("sent %s\n", msg.Id)
		return nil

	case "watch":
		return watch(ctx, cfg, apiClient, store, logger)

	default:
		usage()
		return nil
	}
}

// watch 建立实时会话并持续打印落地的状态变更
func watch(ctx context.Context, cfg *config.Config, apiClient *api.Client,
	store *chat.Store, logger *slog.Logger) error {

	if err := store.FetchConversations(ctx, ""); err != nil {
		return err
	}

	session := realtime.New(cfg.Realtime, "cli", cfg.App.Platform, logger)
	if err := session.Connect(ctx, apiClient.Token()); err != nil {
		return err
	}
	defer session.Disconnect()

	for _, c := range store.Conversations() {
		session.JoinScope(c.Id)
	}

	go store.Run(ctx, session.Events())

	logger.Info("Watching for events, Ctrl-C to stop")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-quit:
			logger.Info("Shutting down")
			return nil
		case <-store.Changes():
			for _, c := range store.Conversations() {
				if c.LastMessage != nil {
					fmt.Printf("%s  unread=%d  %s: %s\n",
						c.Id, c.UnreadCount, c.LastMessage.SenderId, c.LastMessage.Content)
				}
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
