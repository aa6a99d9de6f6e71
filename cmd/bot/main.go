package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/handlers"
	"github.com/pollinations-tgbot-go/internal/i18n"
	"github.com/pollinations-tgbot-go/internal/middleware"
	"github.com/pollinations-tgbot-go/internal/services/ai"
	"github.com/pollinations-tgbot-go/internal/services/cache"
	"github.com/pollinations-tgbot-go/internal/services/conversation"
	"github.com/pollinations-tgbot-go/internal/services/media"
	"github.com/pollinations-tgbot-go/internal/services/queue"
	"github.com/pollinations-tgbot-go/internal/transport"
	"github.com/pollinations-tgbot-go/pkg/logger"
	"github.com/pollinations-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting Telegram Bot...")
	log.WithField("token_length", len(cfg.Bot.Token)).Info("Bot token loaded")

	// Initialize bot
	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}
	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := middleware.NewMetrics()

	// Initialize conversation store
	security := middleware.NewSecurityMiddleware(&cfg.Security, log)
	store := conversation.NewStore(cfg, security, log)

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg, log)
	rateLimiter.Start(ctx)

	requestQueue := queue.NewManager(log, metrics.SetQueueDepth)

	// Initialize AI gateway
	aiService := ai.NewPollinationsAI(&cfg.Gateway, log).WithObserver(metrics.RecordGatewayRequest)

	transcoder := media.NewFFmpeg(&cfg.Media, log)
	if !transcoder.Available() {
		log.WithField("path", cfg.Media.FFmpegPath).Warn("ffmpeg not found, voice messages will fail")
	}

	// Initialize cache
	cacheService := cache.NewCache(&cfg.Cache, log)

	formatter, err := markdown.NewFormatter(cfg.Formatting.MaxMessageLength, cfg.Formatting.AdPatterns)
	if err != nil {
		log.WithError(err).Fatal("Failed to compile ad patterns")
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	health := func() middleware.HealthStatus {
		return metrics.Health(func() middleware.StoreStats {
			chats, messages, operations := store.Stats()
			return middleware.StoreStats{
				ActiveContexts:   chats,
				TotalMessages:    messages,
				ActiveOperations: operations,
			}
		})
	}

	// Start metrics server
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path, health); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Initialize handlers
	tg := transport.NewTelegram(bot, log)

	messageHandler := handlers.NewMessageHandler(
		cfg,
		tg,
		aiService,
		store,
		requestQueue,
		cacheService,
		transcoder,
		formatter,
		rateLimiter,
		localizer,
		metrics,
		log,
	)

	commandHandler := handlers.NewCommandHandler(
		cfg,
		tg,
		messageHandler,
		store,
		requestQueue,
		localizer,
		metrics,
		health,
		log,
	)

	// Set up updates channel
	var updates tgbotapi.UpdatesChannel
	var webhookServer *http.Server

	if cfg.Bot.Webhook.Enabled {
		webhookURL := fmt.Sprintf("%s/%s", cfg.Bot.Webhook.URL, bot.Token)
		webhook, err := tgbotapi.NewWebhook(webhookURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to create webhook")
		}
		if _, err := bot.Request(webhook); err != nil {
			log.WithError(err).Fatal("Failed to set webhook")
		}

		updates = bot.ListenForWebhook("/" + bot.Token)
		webhookServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Bot.Webhook.Port),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := webhookServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Webhook server failed")
			}
		}()
		log.WithField("port", cfg.Bot.Webhook.Port).Info("Webhook set")
	} else {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Bot.UpdateTimeout

		updates = bot.GetUpdatesChan(u)
		log.Info("Using long polling")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Main bot loop
	go func() {
		for update := range updates {
			if update.CallbackQuery != nil {
				if cb := tg.ConvertCallback(update.CallbackQuery); cb != nil {
					commandHandler.HandleCallback(ctx, cb)
				}
				continue
			}

			in := tg.ConvertMessage(update.Message)
			if in == nil {
				continue
			}
			if in.Command != "" {
				commandHandler.HandleCommand(ctx, in)
				continue
			}
			messageHandler.HandleMessage(ctx, in)
		}
	}()

	go startPeriodicTasks(ctx, store, metrics, log)

	<-sigChan
	log.Info("Shutdown signal received")

	if cfg.Bot.Webhook.Enabled {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.WithError(err).Error("Failed to delete webhook")
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := webhookServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to shut down webhook server")
		}
		done()
	} else {
		bot.StopReceivingUpdates()
	}

	// Cancel context to stop all goroutines
	cancel()

	// Wait for running operations
	finished := make(chan struct{})
	go func() {
		messageHandler.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(shutdownTimeout):
		log.Warn("Timed out waiting for running operations")
	}

	log.Info("Bot stopped")
}

// startPeriodicTasks expires wizard states and refreshes gauges
func startPeriodicTasks(ctx context.Context, store *conversation.Store, metrics *middleware.Metrics, log *logrus.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.DeleteExpiredStates()
			chats, messages, operations := store.Stats()
			metrics.SetActiveChats(chats)
			log.WithFields(logrus.Fields{
				"chats":      chats,
				"messages":   messages,
				"operations": operations,
			}).Debug("Periodic sweep")
		}
	}
}
