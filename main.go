package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatline/internal/api"
	"chatline/internal/auth"
	"chatline/internal/chat"
	"chatline/internal/commands"
	"chatline/internal/config"
	"chatline/internal/filestore"
	"chatline/internal/http"
	"chatline/internal/logging"
	"chatline/internal/messages"
	"chatline/internal/notify"
	"chatline/internal/registry"
	"chatline/internal/router"
	"chatline/internal/storage"
	"chatline/internal/unread"
	"chatline/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("chatline", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (prints a bearer token for the new user)")
	issueToken := flags.String("issue-token", "", "User ID to issue an additional bearer token for")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *issueToken != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg)
	}
	if *issueToken != "" {
		return commands.IssueToken(*issueToken, cfg)
	}

	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	routerOpts := []router.Option{router.WithPresenceScope(router.PresenceScope(cfg.PresenceScope))}
	if cfg.RedisURL != "" {
		bus, err := router.NewRedisBus(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = bus.Close() }()
		routerOpts = append(routerOpts, router.WithBus(bus))
	} else {
		// A single instance owns every connection, so nobody can be online yet.
		if err := bbStorage.ResetPresence(time.Now().Unix()); err != nil {
			return err
		}
	}

	reg := registry.New(bbStorage)
	resolver := chat.NewResolver(ctx, bbStorage, reg, cfg.MembershipCacheTTL)
	eventRouter := router.New(reg, resolver, routerOpts...)
	reg.SetNotifier(eventRouter)
	counter := unread.New(bbStorage, resolver, eventRouter)

	messageOpts := []messages.Option{
		messages.WithMaxLength(cfg.MaxMessageLength),
		messages.WithEditWindow(cfg.EditWindow),
	}
	var notifier *notify.Notifier
	if cfg.PushEnabled() {
		notifier = notify.New(bbStorage, notify.Config{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDSubscriber,
		})
		messageOpts = append(messageOpts, messages.WithNotifier(notifier))
	}
	manager := messages.New(bbStorage, resolver, eventRouter, counter, messageOpts...)

	dispatcher := ws.NewDispatcher(manager, counter, resolver, eventRouter)
	wsServer := ws.NewServer(authService, bbStorage, resolver, reg, dispatcher, ws.Config{
		SendBuffer:     cfg.SendBuffer,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		AllowedOrigins: cfg.AllowedOrigins,
		Keepalive: ws.Keepalive{
			PingInterval: cfg.PingInterval,
			PongWait:     cfg.PongWait,
			WriteWait:    10 * time.Second,
		},
	})

	apiHandlers := api.New(api.Deps{
		Auth:           authService,
		Store:          bbStorage,
		Chats:          resolver,
		Messages:       manager,
		Unread:         counter,
		Files:          files,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	adminServer := http.NewAdminServer(api.NewAdminHandler(bbStorage, authService, reg), cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return eventRouter.Run(gCtx)
	})

	g.Go(func() error {
		return authService.RunJanitor(gCtx, time.Hour)
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		reg.CloseAll(shutdownCtx)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if notifier != nil {
			notifier.Close()
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
