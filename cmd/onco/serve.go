package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/api"
	"github.com/bellujrb/hackathon-onco/internal/assistant"
	"github.com/bellujrb/hackathon-onco/internal/card"
	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bellujrb/hackathon-onco/internal/chat/bridge"
	"github.com/bellujrb/hackathon-onco/internal/chat/discord"
	slackadapter "github.com/bellujrb/hackathon-onco/internal/chat/slack"
	"github.com/bellujrb/hackathon-onco/internal/config"
	"github.com/bellujrb/hackathon-onco/internal/db"
	"github.com/bellujrb/hackathon-onco/internal/delivery"
	"github.com/bellujrb/hackathon-onco/internal/history"
	"github.com/bellujrb/hackathon-onco/internal/llm"
	"github.com/bellujrb/hackathon-onco/internal/logging"
	"github.com/bellujrb/hackathon-onco/internal/scheduler"
	"github.com/bellujrb/hackathon-onco/internal/session"
	"github.com/bellujrb/hackathon-onco/internal/transcribe"
	"github.com/bellujrb/hackathon-onco/internal/watch"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// drainTimeout bounds how long shutdown waits for queued chat messages.
const drainTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bot and HTTP server",
		Long: "Connects to the configured chat platform, answers users, issues test links,\n" +
			"and serves the result webhook and pairing page until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := logging.Configure(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Format: cfg.Log.Format,
		Out:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var gormDB *gorm.DB
	if cfg.UsesDatabase() {
		gormDB, err = db.Connect(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close(gormDB)
		if err := db.AutoMigrate(gormDB); err != nil {
			return err
		}
	}

	store, err := openSessionStore(cfg, gormDB, logger)
	if err != nil {
		return err
	}
	if err := store.Load(ctx); err != nil {
		return err
	}

	hist := history.New(history.Opts{
		MaxEntries: cfg.History.MaxEntries,
		MaxOwners:  cfg.History.MaxOwners,
		IdleTTL:    cfg.History.IdleTTL,
	})

	asst, err := newAssistant(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// The router is built after the supervisor it sends through; the
	// dispatcher only calls it once messages start flowing.
	var router *chat.Router
	dispatcher, err := chat.NewDispatcher(chat.DispatcherOpts{
		Handler: chat.HandlerFunc(func(ctx context.Context, msg chat.InboundMessage) {
			router.Handle(ctx, msg)
		}),
		Logger: logging.For(logger, "dispatch"),
	})
	if err != nil {
		return err
	}

	sup, err := chat.NewSupervisor(chat.SupervisorOpts{
		NewAdapter:       adapterFactory(cfg, logger),
		OnMessage:        dispatcher.Dispatch,
		Backoff:          cfg.Chat.ReconnectBackoff,
		MaxAttempts:      cfg.Chat.MaxReconnectAttempts,
		LogoutOnShutdown: cfg.Chat.LogoutOnShutdown,
		Logger:           logging.For(logger, "chat"),
		QROut:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	routerOpts := chat.RouterOpts{
		Generator:   asst,
		Sessions:    store,
		History:     hist,
		Messenger:   sup,
		Pacer:       chat.NewPacer(sup, cfg.Chat.TypingDelay, logging.For(logger, "pacer")),
		FrontendURL: cfg.FrontendURL,
		Logger:      logging.For(logger, "router"),
	}
	if cfg.Transcribe.Enabled {
		tr, err := transcribe.New(transcribe.Opts{
			APIKey:   cfg.Transcribe.APIKey,
			Model:    cfg.Transcribe.Model,
			Language: cfg.Transcribe.Language,
		})
		if err != nil {
			return err
		}
		routerOpts.Transcriber = tr
	}
	router, err = chat.NewRouter(routerOpts)
	if err != nil {
		return err
	}

	deliveryOpts := delivery.Opts{
		Explainer:    asst,
		Sessions:     store,
		Messenger:    sup,
		History:      hist,
		TypingDelay:  cfg.Chat.TypingDelay,
		SettleDelay:  cfg.Delivery.SettleDelay,
		ExplainDelay: cfg.Delivery.ExplainDelay,
		Logger:       logging.For(logger, "delivery"),
	}
	if !cfg.Delivery.DisableCard {
		deliveryOpts.Card = card.Render
	}
	if cfg.Delivery.Audit {
		rec, err := delivery.NewGormRecorder(gormDB)
		if err != nil {
			return err
		}
		deliveryOpts.Recorder = rec
	}
	pipeline, err := delivery.New(deliveryOpts)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Opts{Logger: logging.For(logger, "scheduler")})
	if err := registerJobs(sched, cfg, store, hist, logger); err != nil {
		return err
	}

	server, err := api.NewServer(api.ServerOpts{
		Addr:          cfg.Server.Addr,
		WebhookSecret: cfg.Server.WebhookSecret,
		AllowOrigin:   cfg.FrontendURL,
		Status:        sup,
		Deliverer:     pipeline,
		Sessions:      store,
		Queues:        dispatcher,
		Conversations: hist,
		Jobs:          sched,
		Logger:        logging.For(logger, "api"),
	})
	if err != nil {
		return err
	}

	sched.Start()

	if cfg.Assistant.PromptsFile != "" {
		w, err := watch.New(watch.Opts{
			Path:     cfg.Assistant.PromptsFile,
			OnChange: asst.ReloadPrompts,
			Logger:   logging.For(logger, "watch"),
		})
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Warn("prompt watcher stopped", "err", err)
			}
		}()
	}

	httpCtx, stopHTTP := context.WithCancel(ctx)
	defer stopHTTP()
	chatCtx, stopChat := context.WithCancel(context.Background())
	defer stopChat()

	httpErr := make(chan error, 1)
	go func() { httpErr <- server.Run(httpCtx) }()
	chatErr := make(chan error, 1)
	go func() { chatErr <- sup.Run(chatCtx) }()

	logger.Info("onco started", "version", Version, "platform", cfg.Chat.Platform, "addr", cfg.Server.Addr)

	var runErr error
	httpDone, chatDone := false, false
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		httpDone = true
	case runErr = <-chatErr:
		chatDone = true
	}

	// Shutdown order: HTTP, result deliveries, queued chat work,
	// housekeeping, final flush, then the chat connection itself.
	stopHTTP()
	if !httpDone {
		if err := <-httpErr; err != nil {
			logger.Error("http server", "err", err)
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := pipeline.Drain(drainCtx); err != nil {
		logger.Warn("result deliveries not drained", "err", err)
	}
	if err := dispatcher.Stop(drainCtx); err != nil {
		logger.Warn("chat queues not drained", "err", err)
	}
	cancelDrain()

	// One last sweep so expired sessions are not written back.
	if err := sched.RunNow(jobSessionSweep); err != nil {
		logger.Warn("final sweep", "err", err)
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), drainTimeout)
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("scheduler stop", "err", err)
	}
	cancelStop()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Flush(flushCtx); err != nil {
		logger.Error("final session flush", "err", err)
	}
	cancelFlush()

	stopChat()
	if !chatDone {
		if err := <-chatErr; err != nil && runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		if errors.Is(runErr, chat.ErrReconnectExhausted) {
			logger.Error("giving up on the chat connection", "err", runErr)
		}
		return runErr
	}
	logger.Info("onco stopped")
	return nil
}

// openSessionStore builds the session store with the configured persister.
func openSessionStore(cfg *config.Config, gormDB *gorm.DB, logger *log.Logger) (*session.Store, error) {
	opts := session.StoreOpts{TTL: cfg.Sessions.TTL, Logger: logger}
	switch cfg.Sessions.Store {
	case "file":
		p, err := session.NewFilePersister(cfg.Sessions.Path)
		if err != nil {
			return nil, err
		}
		opts.Persister = p
	case "sql":
		p, err := session.NewGormPersister(gormDB)
		if err != nil {
			return nil, err
		}
		opts.Persister = p
	}
	return session.NewStore(opts)
}

// newAssistant wires the configured LLM provider into the assistant. A
// missing API key runs the assistant on canned texts only.
func newAssistant(ctx context.Context, cfg *config.Config, logger *log.Logger) (*assistant.Assistant, error) {
	opts := assistant.Opts{
		Timeout: cfg.LLM.Timeout,
		Logger:  logging.For(logger, "assistant"),
	}
	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM api key configured, using fallback texts only", "provider", cfg.LLM.Provider)
	} else {
		cm, err := llm.NewChatModel(ctx, llm.Config{
			Provider:    cfg.LLM.Provider,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Region:      cfg.LLM.Region,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		opts.Model = cm
	}
	if cfg.Assistant.PromptsFile != "" {
		p, err := assistant.LoadPrompts(cfg.Assistant.PromptsFile)
		switch {
		case err == nil:
			opts.Prompts = &p
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("prompts file not found, using built-in prompts", "path", cfg.Assistant.PromptsFile)
		default:
			return nil, err
		}
	}
	return assistant.New(ctx, opts)
}

// adapterFactory returns a constructor for the configured transport. The
// supervisor calls it once per connection attempt.
func adapterFactory(cfg *config.Config, logger *log.Logger) func() (chat.Adapter, error) {
	switch cfg.Chat.Platform {
	case "discord":
		return func() (chat.Adapter, error) {
			a, err := discord.New(discord.AdapterOpts{
				BotToken:  cfg.Chat.Discord.BotToken,
				ChannelID: cfg.Chat.Discord.ChannelID,
				Logger:    logging.For(logger, "discord"),
			})
			if err != nil {
				return nil, err
			}
			return a, nil
		}
	case "slack":
		return func() (chat.Adapter, error) {
			a, err := slackadapter.New(slackadapter.AdapterOpts{
				BotToken:  cfg.Chat.Slack.BotToken,
				AppToken:  cfg.Chat.Slack.AppToken,
				ChannelID: cfg.Chat.Slack.ChannelID,
				Logger:    logging.For(logger, "slack"),
			})
			if err != nil {
				return nil, err
			}
			return a, nil
		}
	default:
		return func() (chat.Adapter, error) {
			a, err := bridge.New(bridge.Opts{
				URL:       cfg.Chat.Bridge.URL,
				AuthToken: cfg.Chat.Bridge.AuthToken,
				Logger:    logging.For(logger, "bridge"),
			})
			if err != nil {
				return nil, err
			}
			return a, nil
		}
	}
}

// registerJobs schedules session persistence and history housekeeping.
// Housekeeping job names.
const (
	jobSessionFlush = "session-flush"
	jobSessionSweep = "session-sweep"
	jobHistoryPrune = "history-prune"
)

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, store *session.Store, hist *history.Store, logger *log.Logger) error {
	if err := sched.Every(jobSessionFlush, cfg.Sessions.FlushInterval, func(ctx context.Context) {
		if err := store.Flush(ctx); err != nil {
			logger.Error("session flush", "err", err)
		}
	}); err != nil {
		return err
	}
	if err := sched.Every(jobSessionSweep, cfg.Sessions.SweepInterval, func(ctx context.Context) {
		if n := store.Sweep(); n > 0 {
			logger.Info("expired sessions removed", "count", n)
		}
	}); err != nil {
		return err
	}
	return sched.Every(jobHistoryPrune, cfg.History.PruneInterval, func(ctx context.Context) {
		if n := hist.Prune(); n > 0 {
			logger.Debug("idle transcripts pruned", "count", n)
		}
	})
}
