package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/admin"
	"WG-Telegram-bot/internal/bot"
	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/metrics"
	"WG-Telegram-bot/internal/provision"
	"WG-Telegram-bot/internal/services"
)

const (
	gatewayTimeout   = 30 * time.Second
	unappliedMinAge  = 5 * time.Minute
	shutdownTimeout  = 10 * time.Second
	yookassaTimeout  = 30 * time.Second
	updateTimeout    = 2 * time.Minute
	readHeaderLimit  = 10 * time.Second
	healthCheckEvery = "@every 1m"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		logger.Fatal("logger init failed", zap.Error(err))
	}
	defer logger.Sync()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database open failed", zap.Error(err))
	}
	defer store.Close()

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}
	logger.InitNotifier(botapi, cfg.AdminTelegramID)

	tariffs, err := loadTariffs(cfg)
	if err != nil {
		logger.Fatal("tariffs load failed", zap.Error(err))
	}

	gw := services.NewWGDashboard(cfg.WGDashboardURL, cfg.WGDashboardAPIKey, cfg.WGConfigName, cfg.PeerExpiryDays, gatewayTimeout)

	custom, err := services.LoadCustomClients(cfg.CustomClientsFile)
	if err != nil {
		logger.Fatal("custom clients load failed", zap.Error(err))
	}
	opts := []provision.Option{provision.WithCustomPeers(custom)}
	var registry *services.RedisRegistry
	if cfg.RedisURL != "" {
		registry, err = services.OpenRedisRegistry(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis registry unavailable, usernames will not be bound", zap.Error(err))
		} else {
			defer registry.Close()
			opts = append(opts, provision.WithRegistry(registry))
		}
	}
	orch := provision.New(store, gw, tariffs, opts...)

	// записи, оставшиеся staged после падения, разбираются до приёма апдейтов
	if n, err := orch.RecoverStaleStages(ctx, 0); err != nil {
		logger.Error("startup stage recovery failed", zap.Int("recovered", n), zap.Error(err))
	} else if n > 0 {
		logger.Info("startup stage recovery", zap.Int("recovered", n))
	}

	health := services.NewHealth().
		Add("wgdashboard", gw.Handshake).
		Add("database", store.Ping)
	backup := admin.NewBackup("backups", cfg.DatabaseDriver, cfg.DatabaseURL, store.DB())
	adminHandler := admin.NewHandler(botapi, cfg.AdminTelegramID, store, tariffs, orch, cfg.StageGrace, health, backup)
	if registry != nil {
		adminHandler.WithRegistry(registry)
	}

	botOpts := []bot.Option{
		bot.WithAdmin(cfg.AdminTelegramID, adminHandler),
		bot.WithUpdateTimeout(updateTimeout),
	}
	var lookup services.PaymentLookup
	if cfg.YooKassaEnabled() {
		yk := services.NewYooKassa("", cfg.YooKassaShopID, cfg.YooKassaSecret, cfg.YooKassaReturnURL, yookassaTimeout)
		lookup = yk
		botOpts = append(botOpts, bot.WithYooKassa(yk))
	} else {
		logger.Warn("YooKassa is not configured, card payments disabled")
	}
	tgBot := bot.New(botapi, orch, store, tariffs, botOpts...)
	notifier := tgBot.Notifier()

	router := mux.NewRouter()
	services.NewWebhook(cfg.YooKassaSecret, lookup, store, orch, notifier).RegisterRoutes(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(health)).Methods(http.MethodGet)
	srv := &http.Server{Addr: cfg.WebhookAddr, Handler: router, ReadHeaderTimeout: readHeaderLimit}

	c := cron.New()
	mustSchedule(c, "0 3 * * *", func() { backup.Auto(ctx) })
	mustSchedule(c, "@every 5m", func() {
		if n, err := orch.RecoverStaleStages(ctx, cfg.StageGrace); err != nil {
			logger.Error("stage recovery failed", zap.Int("recovered", n), zap.Error(err))
		}
	})
	mustSchedule(c, "@every 10m", func() { retryUnapplied(ctx, orch, notifier) })
	mustSchedule(c, healthCheckEvery, func() { health.Check(ctx) })
	c.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer logger.NotifyOnPanic("polling")
		return bot.StartPolling(gctx, botapi, tgBot)
	})
	g.Go(func() error {
		logger.Info("webhook server started", zap.String("addr", cfg.WebhookAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return services.NewSweeper(store, notifier, tariffs, cfg.SweepInterval, cfg.NotifyHorizon).Run(gctx)
	})
	g.Go(func() error {
		if err := custom.Watch(gctx); err != nil {
			logger.Warn("custom clients watch disabled", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", zap.Error(err))
	}
	<-c.Stop().Done()
	logger.Info("bot stopped")
}

func loadTariffs(cfg config.AppConfig) (config.TariffProvider, error) {
	if cfg.TariffsFile == "" {
		return config.NewStaticTariffs(), nil
	}
	return config.NewFileTariffs(cfg.TariffsFile)
}

func mustSchedule(c *cron.Cron, schedule string, job func()) {
	if _, err := c.AddFunc(schedule, func() {
		defer logger.NotifyOnPanic("cron " + schedule)
		job()
	}); err != nil {
		logger.Fatal("cron schedule failed", zap.String("schedule", schedule), zap.Error(err))
	}
}

// retryUnapplied повторяет успешные платежи без выданного доступа и сообщает пользователям результат
func retryUnapplied(ctx context.Context, orch *provision.Orchestrator, n services.Notifier) {
	results, err := orch.RetryUnappliedPayments(ctx, unappliedMinAge)
	if err != nil {
		logger.Error("unapplied payments retry failed", zap.Error(err))
		return
	}
	for _, r := range results {
		if r.Outcome.OK && !r.Outcome.Duplicate {
			_ = services.Deliver(ctx, n, r.UserID, r.Outcome)
		}
	}
}

func healthHandler(h *services.Health) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		for _, s := range h.Statuses() {
			if !s.Up() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(s.Name + " offline"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
