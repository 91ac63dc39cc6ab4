package payment

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mpesa-stk-gateway/internal/daraja"
	"mpesa-stk-gateway/internal/models"
	"mpesa-stk-gateway/internal/store"
)

type Controller struct {
	useCase *UseCase
	log     *zap.Logger
	tracer  trace.Tracer
}

func NewController(useCase *UseCase, log *zap.Logger, tracer trace.Tracer) *Controller {
	return &Controller{useCase: useCase, log: log, tracer: tracer}
}

type stkPushRequest struct {
	Phone  string  `json:"phone"`
	Amount float64 `json:"amount"`
	Type   string  `json:"type"`
}

// InitiatePush handles POST /api/mpesa/stkpush. On success the raw Daraja
// acknowledgment is relayed unchanged so clients see the provider's own
// response codes.
func (ct *Controller) InitiatePush(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.InitiatePush",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var req stkPushRequest
	if err := c.BodyParser(&req); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	_, ack, err := ct.useCase.Initiate(ctx, req.Phone, req.Amount, req.Type)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			span.SetStatus(codes.Error, "validation failed")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "phone and positive amount are required"})
		case errors.Is(err, daraja.ErrAuth), errors.Is(err, daraja.ErrUpstream):
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ct.log.Error("stk push failed", zap.Error(err))
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "stk push failed",
				"details": err.Error(),
			})
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ct.log.Error("stk push failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}
	}

	span.SetStatus(codes.Ok, "")
	return c.JSON(ack)
}

// Callback handles POST /api/mpesa/callback. Daraja retries anything that
// is not a 200, so the ack is unconditional; processing errors only show
// up in logs and metrics.
func (ct *Controller) Callback(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.Callback",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	ack := fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"}

	var envelope models.CallbackEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		span.SetStatus(codes.Error, "malformed callback body")
		ct.log.Warn("malformed callback body", zap.Error(err))
		return c.JSON(ack)
	}

	result := ct.useCase.HandleCallback(ctx, envelope.Body.StkCallback)
	span.SetAttributes(attribute.String("callback.result", string(result)))
	span.SetStatus(codes.Ok, "")
	return c.JSON(ack)
}

// Status handles GET /api/mpesa/status/:id for the client polling loop.
func (ct *Controller) Status(c *fiber.Ctx) error {
	ctx, span := ct.tracer.Start(c.UserContext(), "Controller.Status",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	status, err := ct.useCase.Status(ctx, c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			span.SetStatus(codes.Ok, "not found")
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"status": "NOT_FOUND"})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	span.SetStatus(codes.Ok, "")
	return c.JSON(fiber.Map{"status": status})
}
