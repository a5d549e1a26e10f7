package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/TestborBot/internal/admin"
	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/cryptopay"
	"github.com/digkill/TestborBot/internal/database"
	"github.com/digkill/TestborBot/internal/llm"
	"github.com/digkill/TestborBot/internal/metrics"
	"github.com/digkill/TestborBot/internal/repository"
	"github.com/digkill/TestborBot/internal/service"
	"github.com/digkill/TestborBot/internal/storage"
	"github.com/digkill/TestborBot/internal/telegram"
	"github.com/digkill/TestborBot/pkg/logger"
)

const promoSweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}
	logr.Info("authorized on telegram", "username", botAPI.Self.UserName)

	m := metrics.New()
	notifier := telegram.NewNotifier(botAPI, cfg.AdminIDs, logr)

	var archive service.ReceiptArchive
	if cfg.ArchiveEnabled() {
		receipts, err := storage.NewReceiptArchive(storage.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
			Prefix:       cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("receipt archive: %v", err)
		}
		archive = receipts
	} else {
		logr.Warn("receipt archive disabled: S3 settings are incomplete")
	}

	var invoicer service.CryptoInvoicer
	if cfg.CryptoEnabled() {
		invoicer = cryptopay.NewClient(cryptopay.Options{
			Token:   cfg.CryptoPayToken,
			BaseURL: cfg.CryptoPayBaseURL,
			Timeout: cfg.RequestTimeout,
			Retries: cfg.ProcessorRetries,
			Backoff: cfg.ProcessorBackoff,
		}, logr, m)
	}

	generator := llm.NewClient(cfg, logr)
	ledger := repository.NewLedger(db)

	entitlements := service.NewEntitlementService(cfg, logr, ledger, m)
	intents := service.NewIntentService(cfg, logr, ledger, entitlements, notifier, archive, m)
	users := service.NewUserService(cfg, logr, ledger)
	promos := service.NewPromoService(logr, ledger, entitlements)
	payments := service.NewPaymentService(cfg, logr, botAPI, intents, invoicer)
	reconcile := service.NewReconcileService(cfg.CryptoPayToken, logr, ledger, intents, notifier, m)
	tests := service.NewTestService(cfg, logr, ledger, entitlements, generator)
	broadcast := service.NewBroadcastService(logr, botAPI, users, 0)

	bot := telegram.NewBot(cfg, botAPI, logr, telegram.Services{
		Users:        users,
		Entitlements: entitlements,
		Tests:        tests,
		Payments:     payments,
		Promos:       promos,
		Intents:      intents,
		Broadcast:    broadcast,
	}, notifier)

	adminServer := admin.NewServer(admin.Options{
		Addr:        cfg.AdminListenAddr,
		Username:    cfg.AdminUsername,
		Password:    cfg.AdminPassword,
		WebhookPath: cfg.CryptoWebhookPath,
	}, logr, admin.Services{
		Users:        users,
		Entitlements: entitlements,
		Intents:      intents,
		Promos:       promos,
		Reconcile:    reconcile,
		Broadcast:    broadcast,
	}, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return adminServer.Run(gctx)
	})
	g.Go(func() error {
		return bot.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(promoSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				n, err := promos.ExpireStale(gctx)
				if err != nil {
					logr.Warn("expire promo codes", "err", err)
					continue
				}
				if n > 0 {
					logr.Info("promo codes expired", "count", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
