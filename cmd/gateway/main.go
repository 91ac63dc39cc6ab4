package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"mpesa-stk-gateway/internal/config"
	"mpesa-stk-gateway/internal/daraja"
	"mpesa-stk-gateway/internal/events"
	"mpesa-stk-gateway/internal/payment"
	"mpesa-stk-gateway/internal/store"
	"mpesa-stk-gateway/internal/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, tracer, meter, shutdown, err := telemetry.Setup(ctx, "stk-gateway")
	if err != nil {
		panic("failed to initialize telemetry: " + err.Error())
	}
	defer shutdown(context.Background())

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		panic("failed to create metrics: " + err.Error())
	}

	cfg := config.Load()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KafkaBroker != "" {
		if err := events.EnsureTopic(ctx, cfg.KafkaBroker, 3, 1); err != nil {
			log.Warn("failed to create topic payment-sessions (may already exist)", zap.Error(err))
		}
		kp := events.NewKafkaPublisher([]string{cfg.KafkaBroker})
		defer kp.Close()
		publisher = kp
	}

	client := daraja.New(daraja.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		ShortCode:      cfg.ShortCode,
		Passkey:        cfg.Passkey,
		CallbackURL:    cfg.CallbackURL,
	}, metrics, log, tracer)

	sessions := store.New()
	uc := payment.NewUseCase(sessions, client, publisher, metrics, log, tracer)
	ctrl := payment.NewController(uc, log, tracer)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	app.Use(otelfiber.Middleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Post("/api/mpesa/stkpush", ctrl.InitiatePush)
	app.Post("/api/mpesa/callback", ctrl.Callback)
	app.Get("/api/mpesa/status/:id", ctrl.Status)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down stk-gateway...")
		_ = app.Shutdown()
		cancel()
	}()

	log.Info("stk-gateway listening", zap.String("addr", ":"+cfg.Port))
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error("server error", zap.Error(err))
	}
}
