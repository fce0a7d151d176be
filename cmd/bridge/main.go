package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anthropics/matrix-feishu-bridge/internal/api"
	"github.com/anthropics/matrix-feishu-bridge/internal/biz/usecase"
	"github.com/anthropics/matrix-feishu-bridge/internal/conf"
	"github.com/anthropics/matrix-feishu-bridge/internal/data"
	"github.com/anthropics/matrix-feishu-bridge/internal/infra/feishu"
	"github.com/anthropics/matrix-feishu-bridge/internal/infra/matrix"
	"github.com/anthropics/matrix-feishu-bridge/internal/server"
)

const version = "0.1.0"

const (
	processedEventRetention = 7 * 24 * time.Hour
	housekeepingInterval    = time.Hour
	presenceFlushInterval   = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := conf.Load(*configPath)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := data.Open(cfg.AppService.Database.Type, cfg.AppService.Database.URI)
	if err != nil {
		logger.Fatal("database open failed", zap.Error(err))
	}
	defer db.Close()

	matrixClient := matrix.NewClient(
		cfg.Homeserver.Address,
		cfg.Homeserver.Domain,
		cfg.AppService.ASToken,
		cfg.AppService.BotUsername,
		cfg.Bridge.MaxMediaSize,
		logger,
	)
	feishuClient := feishu.NewGateway(cfg.Bridge.AppID, cfg.Bridge.AppSecret, feishu.GatewayConfig{
		BaseURL:    cfg.Bridge.APIBaseURL,
		MaxRetries: cfg.Bridge.APIMaxRetries,
		RetryBase:  time.Duration(cfg.Bridge.APIRetryBaseMS) * time.Millisecond,
	}, logger)

	matrixGW := data.NewMatrixGateway(matrixClient)
	feishuGW := data.NewFeishuGateway(feishuClient)

	translate := usecase.TranslateOptions{
		EnableRichText: cfg.Bridge.EnableRichText,
		AllowHTML:      cfg.Bridge.AllowHTML,
		AllowMarkdown:  cfg.Bridge.AllowMarkdown,
		ConvertCards:   cfg.Bridge.ConvertCards,
	}

	provisioning := usecase.NewProvisioningUsecase(db.Room, feishuGW, logger)
	commands := usecase.NewCommandUsecase(
		db.Room, matrixGW, feishuGW, provisioning,
		cfg.Bridge.PermissionLevel,
		cfg.Bridge.SelfService,
		logger,
	)

	var limiter *usecase.RateLimiter
	if cfg.Bridge.MessageLimit > 0 {
		limiter = usecase.NewRateLimiter(cfg.Bridge.MessageLimit, time.Duration(cfg.Bridge.MessageCooldownMS)*time.Millisecond)
	}

	matrixDispatcher := usecase.NewMatrixDispatcher(
		db.Room, db.Message, db.Media, db.DeadLetter,
		feishuGW, matrixGW, commands, limiter,
		usecase.MatrixDispatchConfig{
			BlockedMsgtypes:       cfg.Bridge.BlockedMsgtypes,
			MaxTextLength:         cfg.Bridge.MaxTextLength,
			BridgeReply:           cfg.Bridge.BridgeMatrixReply,
			BridgeEdit:            cfg.Bridge.BridgeMatrixEdit,
			BridgeRedaction:       cfg.Bridge.BridgeMatrixRedactions,
			AllowImages:           cfg.Bridge.AllowImages,
			AllowVideos:           cfg.Bridge.AllowVideos,
			AllowAudio:            cfg.Bridge.AllowAudio,
			AllowFiles:            cfg.Bridge.AllowFiles,
			Translate:             translate,
			EnableFailureDegrade:  cfg.Bridge.EnableFailureDegrade,
			FailureNoticeTemplate: cfg.Bridge.FailureNoticeTemplate,
		},
		logger,
	)
	presence := usecase.NewPresenceUsecase(db.User, matrixGW, logger)
	feishuDispatcher := usecase.NewFeishuDispatcher(
		db.Room, db.User, db.Message, db.DeadLetter,
		feishuGW, matrixGW, presence,
		usecase.FeishuDispatchConfig{
			Translate:       translate,
			DeleteOnDisband: cfg.Bridge.DeleteOnDisband,
			MaxMediaSize:    cfg.Bridge.MaxMediaSize,
		},
		logger,
	)

	processor := usecase.NewEventProcessor(db.Event, logger)
	deadLetters := usecase.NewDeadLetterUsecase(db.DeadLetter, matrixDispatcher, feishuDispatcher, logger)

	appservice := server.NewAppService(cfg.AppService.HSToken, cfg.Homeserver.Domain, matrixDispatcher, processor, logger)
	webhook := server.NewFeishuWebhookServer(
		server.WebhookConfig{
			ListenSecret:      cfg.Bridge.ListenSecret,
			EncryptKey:        cfg.Bridge.EncryptKey,
			VerificationToken: cfg.Bridge.VerificationToken,
		},
		feishuDispatcher, processor, commands, logger,
	)
	admin := api.NewAdminServer(
		api.AdminTokens{
			Read:   cfg.Bridge.Provisioning.ReadToken,
			Write:  cfg.Bridge.Provisioning.WriteToken,
			Delete: cfg.Bridge.Provisioning.DeleteToken,
		},
		version,
		db.Room, db.User, db.DeadLetter, feishuGW,
		provisioning, deadLetters, logger,
	)

	asRouter := chi.NewRouter()
	appservice.Routes(asRouter)
	asServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.AppService.Hostname, cfg.AppService.Port),
		Handler: asRouter,
	}

	bridgeRouter := chi.NewRouter()
	webhook.Routes(bridgeRouter)
	admin.Routes(bridgeRouter)
	bridgeServer := &http.Server{
		Addr:    cfg.Bridge.ListenAddress,
		Handler: bridgeRouter,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go presence.Run(ctx, presenceFlushInterval)
	go housekeeping(ctx, processor, provisioning, logger)

	go func() {
		logger.Info("appservice listener starting", zap.String("addr", asServer.Addr))
		if err := asServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("appservice listener failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("bridge listener starting", zap.String("addr", bridgeServer.Addr))
		if err := bridgeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("bridge listener failed", zap.Error(err))
		}
	}()

	logger.Info("bridge started",
		zap.String("version", version),
		zap.String("bot", matrixClient.BotMXID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = asServer.Shutdown(shutdownCtx)
	_ = bridgeServer.Shutdown(shutdownCtx)
	webhook.Shutdown()
	logger.Info("bridge stopped")
}

// housekeeping sweeps expired provisioning requests and old processed
// event records
func housekeeping(ctx context.Context, processor *usecase.EventProcessor, provisioning *usecase.ProvisioningUsecase, logger *zap.Logger) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := provisioning.CleanupExpired(); expired > 0 {
				logger.Info("expired bridge requests swept", zap.Int("count", expired))
			}
			if removed, err := processor.Cleanup(ctx, processedEventRetention); err != nil {
				logger.Warn("processed event cleanup failed", zap.Error(err))
			} else if removed > 0 {
				logger.Debug("processed events pruned", zap.Int64("count", removed))
			}
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
