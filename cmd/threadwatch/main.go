package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/miguel-bm/threadwatch/internal/api"
	"github.com/miguel-bm/threadwatch/internal/config"
	"github.com/miguel-bm/threadwatch/internal/credentials"
	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/mailbox"
	"github.com/miguel-bm/threadwatch/internal/telegram"
	"github.com/miguel-bm/threadwatch/internal/tracker"
	"github.com/miguel-bm/threadwatch/internal/tunnel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

func usage() {
	fmt.Println("Usage: threadwatch <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the webhook and admin API")
	fmt.Println("  migrate  Run database migrations")
	fmt.Println("  auth     Authorize Gmail access and store the token")
	fmt.Println("  track    Send a message and track its thread for replies")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := fs.String("config", config.DefaultPath(), "Path to config file")
		host := fs.String("host", "", "Host to bind to (overrides config)")
		port := fs.Int("port", 0, "Port to listen on (overrides config)")
		debug := fs.Bool("debug", false, "Enable debug logging")
		withTunnel := fs.Bool("tunnel", false, "Expose the webhook through a cloudflared quick tunnel")
		fs.Parse(os.Args[2:])
		setupLogging(*debug)

		cfg := loadConfig(*configPath)
		if *host != "" {
			cfg.Server.Host = *host
		}
		if *port != 0 {
			cfg.Server.Port = *port
		}
		if *withTunnel {
			cfg.Tunnel.Enabled = true
		}
		runServer(cfg)

	case "migrate":
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		configPath := fs.String("config", config.DefaultPath(), "Path to config file")
		fs.Parse(os.Args[2:])
		setupLogging(false)
		runMigrations(loadConfig(*configPath))

	case "auth":
		fs := flag.NewFlagSet("auth", flag.ExitOnError)
		configPath := fs.String("config", config.DefaultPath(), "Path to config file")
		fs.Parse(os.Args[2:])
		setupLogging(false)
		runAuth(loadConfig(*configPath))

	case "track":
		fs := flag.NewFlagSet("track", flag.ExitOnError)
		configPath := fs.String("config", config.DefaultPath(), "Path to config file")
		to := fs.String("to", "", "Recipient address")
		subject := fs.String("subject", "", "Subject (defaults to startup.initial_subject)")
		body := fs.String("body", "", "Message body")
		fs.Parse(os.Args[2:])
		setupLogging(false)
		runTrack(loadConfig(*configPath), *to, *subject, *body)

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatal("failed to load config", "path", path, "error", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", "path", path, "error", err)
	}
	return cfg
}

func openDatabase(cfg *config.Config) *db.DB {
	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		fatal("failed to open database", "path", cfg.Storage.DBPath, "error", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		fatal("failed to run migrations", "error", err)
	}
	return database
}

// connectGmail loads the stored token and checks that it still works.
func connectGmail(ctx context.Context, cfg *config.Config) (*mailbox.Gmail, *credentials.Source) {
	oauthCfg, err := credentials.LoadClientConfig(cfg.Mailbox.ClientSecrets, mailbox.Scopes...)
	if err != nil {
		fatal("failed to load OAuth client secrets", "path", cfg.Mailbox.ClientSecrets, "error", err)
	}
	source, err := credentials.NewSource(oauthCfg, cfg.Mailbox.TokenPath)
	if errors.Is(err, credentials.ErrNoToken) {
		fatal("no Gmail token found, run `threadwatch auth` first", "path", cfg.Mailbox.TokenPath)
	}
	if err != nil {
		fatal("failed to load Gmail token", "path", cfg.Mailbox.TokenPath, "error", err)
	}

	gm, err := mailbox.NewGmail(ctx, option.WithTokenSource(source))
	if err != nil {
		fatal("failed to create Gmail client", "error", err)
	}

	profile, err := gm.Profile(ctx)
	if errors.Is(err, mailbox.ErrUnauthorized) {
		fatal("Gmail rejected the stored token, run `threadwatch auth` again", "error", err)
	}
	if err != nil {
		fatal("failed to reach Gmail", "error", err)
	}
	if !strings.EqualFold(profile.EmailAddress, cfg.Mailbox.Address) {
		slog.Warn("token belongs to a different mailbox than configured",
			"token_mailbox", profile.EmailAddress,
			"configured", cfg.Mailbox.Address,
		)
	}
	slog.Info("connected to Gmail", "mailbox", profile.EmailAddress, "history_id", profile.HistoryID)
	return gm, source
}

func newSession(cfg *config.Config, database *db.DB, gm *mailbox.Gmail, publisher tracker.Publisher) *tracker.Session {
	opts := tracker.Options{
		Address:       cfg.Mailbox.Address,
		Mode:          cfg.Reply.Mode,
		ReplyTemplate: cfg.Reply.Template,
		EchoTemplate:  cfg.Reply.EchoTemplate,
		WatchTopic:    cfg.TopicName(),
		WatchLabels:   cfg.Watch.LabelIDs,
		Publisher:     publisher,
	}
	if cfg.Reply.Transport == config.TransportSMTP {
		smtpSender := mailbox.NewSMTPSender(cfg.SMTP.Username, cfg.SMTP.AppPassword)
		smtpSender.Address = cfg.SMTP.Address
		opts.Sender = smtpSender
	}
	if cfg.TelegramEnabled() {
		opts.Notifier = telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.BaseURL)
	}

	session, err := tracker.New(database, gm, opts)
	if err != nil {
		fatal("failed to create tracker session", "error", err)
	}
	return session
}

func runServer(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database := openDatabase(cfg)
	defer database.Close()

	server, err := api.NewServer(database, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebhookPath:    cfg.Webhook.Path,
		WebhookToken:   cfg.Webhook.Token,
		WebhookTimeout: cfg.Webhook.Timeout,
		JWTSecretPath:  filepath.Join(filepath.Dir(cfg.Storage.DBPath), ".jwt_secret"),
	})
	if err != nil {
		fatal("failed to create server", "error", err)
	}

	gm, source := connectGmail(ctx, cfg)
	session := newSession(cfg, database, gm, server.Hub())
	server.SetSession(session)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		server.Hub().Run(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("starting threadwatch server",
			"addr", httpServer.Addr,
			"webhook", cfg.Webhook.Path,
			"mailbox", session.Address(),
			"mode", session.Mode(),
			"transport", cfg.Reply.Transport,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Hub().Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := source.Watch(gctx); err != nil {
			slog.Warn("token file watcher stopped", "error", err)
		}
		return nil
	})

	if cfg.Watch.AutoStart {
		g.Go(func() error {
			return session.RunWatchRenewal(gctx, cfg.Watch.RenewBefore)
		})
	}

	if cfg.Tunnel.Enabled {
		g.Go(func() error {
			exposeWebhook(gctx, cfg)
			return nil
		})
	}

	if cfg.Startup.InitialRecipient != "" {
		g.Go(func() error {
			sendInitialThread(gctx, cfg, session)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fatal("server error", "error", err)
	}
	slog.Info("server stopped")
}

// exposeWebhook runs a quick tunnel for the lifetime of ctx and logs the
// push endpoint to register on the Pub/Sub subscription.
func exposeWebhook(ctx context.Context, cfg *config.Config) {
	if !tunnel.Available() {
		slog.Warn("tunnel requested but cloudflared is not installed")
		return
	}
	tun, err := tunnel.Start(ctx, cfg.Server.Port)
	if err != nil {
		slog.Error("failed to start tunnel", "error", err)
		return
	}
	defer tun.Stop()

	slog.Info("webhook exposed, set this as the push subscription endpoint",
		"push_endpoint", tun.WebhookURL(cfg.Webhook.Path, cfg.Webhook.Token),
	)
	select {
	case <-ctx.Done():
	case <-tun.Done():
	}
}

// sendInitialThread starts the configured tracked thread once per recipient.
func sendInitialThread(ctx context.Context, cfg *config.Config, session *tracker.Session) {
	to := cfg.Startup.InitialRecipient
	active, err := startupThreadExists(session, to)
	if err != nil {
		slog.Warn("could not check existing threads", "error", err)
		return
	}
	if active {
		slog.Info("initial tracked thread already active", "to", to)
		return
	}

	body := cfg.Startup.InitialBody
	if body == "" {
		body = fmt.Sprintf("This is the initial message of a thread tracked by %s. Reply to it and you will get an answer.", session.Address())
	}
	thread, err := session.StartThread(ctx, tracker.StartThreadInput{
		To:      to,
		Subject: cfg.Startup.InitialSubject,
		Body:    body,
	})
	if err != nil {
		slog.Error("failed to send initial tracked email", "to", to, "error", err)
		return
	}
	slog.Info("initial tracked email sent", "to", to, "thread_id", thread.ThreadID)
}

func startupThreadExists(session *tracker.Session, to string) (bool, error) {
	threads, err := session.Threads(db.ThreadStatusActive)
	if err != nil {
		return false, err
	}
	for _, t := range threads {
		if strings.EqualFold(t.Participant, to) {
			return true, nil
		}
	}
	return false, nil
}

func runMigrations(cfg *config.Config) {
	database := openDatabase(cfg)
	defer database.Close()
	slog.Info("migrations completed successfully", "path", cfg.Storage.DBPath)
}

func runAuth(cfg *config.Config) {
	oauthCfg, err := credentials.LoadClientConfig(cfg.Mailbox.ClientSecrets, mailbox.Scopes...)
	if err != nil {
		fatal("failed to load OAuth client secrets", "path", cfg.Mailbox.ClientSecrets, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tok, err := credentials.ConsoleExchange(ctx, oauthCfg, os.Stdin, os.Stdout)
	if err != nil {
		fatal("authorization failed", "error", err)
	}
	if err := credentials.SaveToken(cfg.Mailbox.TokenPath, tok); err != nil {
		fatal("failed to save token", "path", cfg.Mailbox.TokenPath, "error", err)
	}
	slog.Info("token saved", "path", cfg.Mailbox.TokenPath)
}

func runTrack(cfg *config.Config, to, subject, body string) {
	if to == "" || body == "" {
		fmt.Println("Usage: threadwatch track -to <address> -body <text> [-subject <text>]")
		os.Exit(1)
	}
	if subject == "" {
		subject = cfg.Startup.InitialSubject
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database := openDatabase(cfg)
	defer database.Close()

	gm, _ := connectGmail(ctx, cfg)
	session := newSession(cfg, database, gm, nil)

	thread, err := session.StartThread(ctx, tracker.StartThreadInput{To: to, Subject: subject, Body: body})
	if err != nil {
		fatal("failed to start thread", "error", err)
	}
	fmt.Printf("Tracking thread %s (id %s) with %s\n", thread.ThreadID, thread.ID, thread.Participant)
}
