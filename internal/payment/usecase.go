package payment

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mpesa-stk-gateway/internal/daraja"
	"mpesa-stk-gateway/internal/events"
	"mpesa-stk-gateway/internal/models"
	"mpesa-stk-gateway/internal/store"
	"mpesa-stk-gateway/internal/telemetry"
)

var ErrValidation = errors.New("invalid payment request")

const (
	defaultCategory = "Donation"

	// Daraja's per-transaction ceiling in shillings. Also keeps the
	// float-to-int conversion below in defined range.
	maxTransactionAmount = 250_000
)

// CallbackResult tells tests and logs what a callback actually did; the
// HTTP caller is acknowledged identically in every case.
type CallbackResult string

const (
	CallbackApplied   CallbackResult = "applied"
	CallbackDuplicate CallbackResult = "duplicate"
	CallbackUnknown   CallbackResult = "unknown_session"
	CallbackMalformed CallbackResult = "malformed"
)

type UseCase struct {
	store   *store.Store
	daraja  *daraja.Client
	events  events.Publisher
	metrics *telemetry.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewUseCase(st *store.Store, client *daraja.Client, pub events.Publisher, metrics *telemetry.Metrics, log *zap.Logger, tracer trace.Tracer) *UseCase {
	return &UseCase{
		store:   st,
		daraja:  client,
		events:  pub,
		metrics: metrics,
		log:     log,
		tracer:  tracer,
		now:     time.Now,
	}
}

// Initiate validates the request, sends the STK push and records a PENDING
// session keyed by the CheckoutRequestID Daraja returns. No session is
// created on any failure path.
func (uc *UseCase) Initiate(ctx context.Context, phone string, amount float64, category string) (*models.PaymentSession, *models.STKPushResponse, error) {
	ctx, span := uc.tracer.Start(ctx, "InitiatePayment",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("mpesa.phone", phone),
			attribute.Float64("mpesa.amount_raw", amount),
		),
	)
	defer span.End()
	start := uc.now()

	// Daraja only accepts whole shillings; fractions truncate toward zero.
	// Converting an out-of-range float64 is implementation-defined, so the
	// bounds are checked before the conversion.
	if phone == "" || math.IsNaN(amount) || amount <= 0 || amount > maxTransactionAmount {
		span.SetStatus(codes.Error, "validation failed")
		uc.countInitiation(ctx, "validation_error")
		return nil, nil, ErrValidation
	}
	shillings := int64(amount)
	if shillings <= 0 {
		span.SetStatus(codes.Error, "validation failed")
		uc.countInitiation(ctx, "validation_error")
		return nil, nil, ErrValidation
	}
	if category == "" {
		category = defaultCategory
	}

	ack, err := uc.daraja.InitiateSTKPush(ctx, phone, shillings, category)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, daraja.ErrAuth) {
			uc.countInitiation(ctx, "auth_error")
		} else {
			uc.countInitiation(ctx, "upstream_error")
		}
		return nil, nil, err
	}

	sess := models.PaymentSession{
		ID:        ack.CheckoutRequestID,
		Phone:     phone,
		Amount:    shillings,
		Category:  category,
		Status:    models.StatusPending,
		CreatedAt: uc.now(),
	}
	uc.store.Insert(sess)

	if err := uc.events.PublishSessionEvent(ctx, events.NewSessionEvent(events.TypeInitiated, sess)); err != nil {
		uc.log.Warn("failed to publish session event", zap.Error(err), zap.String("session_id", sess.ID))
	}

	uc.countInitiation(ctx, "ok")
	uc.metrics.InitiateDuration.Record(ctx, uc.now().Sub(start).Seconds())

	span.SetAttributes(attribute.String("session.id", sess.ID))
	span.SetStatus(codes.Ok, "")
	uc.log.Info("stk push initiated",
		zap.String("session_id", sess.ID),
		zap.String("phone", phone),
		zap.Int64("amount", shillings),
		zap.String("category", category),
	)

	return &sess, ack, nil
}

// HandleCallback applies the provider's result to the matching session.
// It never returns an error: unknown ids, duplicates and malformed
// payloads are logged and dropped so the provider still gets its ack.
func (uc *UseCase) HandleCallback(ctx context.Context, cb models.StkCallback) CallbackResult {
	ctx, span := uc.tracer.Start(ctx, "HandleStkCallback",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", cb.CheckoutRequestID),
		),
	)
	defer span.End()

	// A payload without an id or a result code reported nothing; it must
	// not touch the session, in particular a missing code is not the
	// success sentinel 0.
	if cb.CheckoutRequestID == "" || cb.ResultCode == nil {
		span.SetStatus(codes.Error, "callback missing required fields")
		uc.log.Warn("malformed stk callback",
			zap.String("session_id", cb.CheckoutRequestID),
			zap.Bool("has_result_code", cb.ResultCode != nil),
		)
		uc.countCallback(ctx, CallbackMalformed)
		return CallbackMalformed
	}

	resultCode := *cb.ResultCode
	span.SetAttributes(attribute.Int("mpesa.result_code", resultCode))

	status := models.StatusFailed
	eventType := events.TypeFailed
	if resultCode == 0 {
		status = models.StatusCompleted
		eventType = events.TypeCompleted
	}

	sess, applied, err := uc.store.TransitionIfPending(cb.CheckoutRequestID, status, cb.ReceiptNumber(), cb.ResultDesc)
	if err != nil {
		// A callback can only match a session the initiator already
		// inserted; anything else is stale or mistyped, never a fault.
		span.SetStatus(codes.Ok, "")
		uc.log.Info("callback for unknown session ignored", zap.String("session_id", cb.CheckoutRequestID))
		uc.countCallback(ctx, CallbackUnknown)
		return CallbackUnknown
	}
	if !applied {
		span.SetStatus(codes.Ok, "")
		uc.log.Info("duplicate callback ignored",
			zap.String("session_id", cb.CheckoutRequestID),
			zap.String("status", string(sess.Status)),
		)
		uc.countCallback(ctx, CallbackDuplicate)
		return CallbackDuplicate
	}

	if err := uc.events.PublishSessionEvent(ctx, events.NewSessionEvent(eventType, sess)); err != nil {
		uc.log.Warn("failed to publish session event", zap.Error(err), zap.String("session_id", sess.ID))
	}

	uc.countCallback(ctx, CallbackApplied)
	uc.metrics.SessionsFinalized.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", string(status))),
	)

	span.SetStatus(codes.Ok, "")
	uc.log.Info("session finalized",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.Int("result_code", resultCode),
		zap.String("receipt", sess.Receipt),
	)

	return CallbackApplied
}

// Status looks up the current status of a session.
func (uc *UseCase) Status(ctx context.Context, id string) (models.SessionStatus, error) {
	_, span := uc.tracer.Start(ctx, "SessionStatus",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("session.id", id)),
	)
	defer span.End()

	sess, err := uc.store.Get(id)
	if err != nil {
		span.SetStatus(codes.Ok, "")
		return "", err
	}
	span.SetAttributes(attribute.String("session.status", string(sess.Status)))
	span.SetStatus(codes.Ok, "")
	return sess.Status, nil
}

func (uc *UseCase) countInitiation(ctx context.Context, outcome string) {
	uc.metrics.StkInitiations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", outcome)),
	)
}

func (uc *UseCase) countCallback(ctx context.Context, result CallbackResult) {
	uc.metrics.CallbacksReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", string(result))),
	)
}
