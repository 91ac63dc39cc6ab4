package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mpesa-stk-gateway/internal/models"
	"mpesa-stk-gateway/internal/telemetry"
)

var (
	// ErrAuth means the access-token call failed; no STK push was sent.
	ErrAuth = errors.New("daraja auth failed")
	// ErrUpstream means Daraja rejected or never acknowledged the push.
	ErrUpstream = errors.New("daraja request failed")
)

const (
	transactionType = "CustomerPayBillOnline"

	// Daraja advertises a 3600 s token lifetime; the buffer absorbs clock
	// skew and in-flight latency.
	tokenLifetime     = 3600 * time.Second
	tokenSafetyBuffer = 100 * time.Second
)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	// Now is injectable so tests can pin the password timestamp and walk
	// the token cache past expiry. Defaults to time.Now.
	Now func() time.Time
}

type Client struct {
	cfg     Config
	http    *http.Client
	metrics *telemetry.Metrics
	log     *zap.Logger
	tracer  trace.Tracer

	// token cache; the mutex is held across refresh, so concurrent
	// callers get single-flight issuance.
	tokenMu sync.Mutex
	token   string
	expiry  time.Time
}

func New(cfg Config, metrics *telemetry.Metrics, log *zap.Logger, tracer trace.Tracer) *Client {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 5 * time.Second},
		metrics: metrics,
		log:     log,
		tracer:  tracer,
	}
}

// Token returns the cached bearer token, issuing a new one when the cached
// credential is missing or past its buffered expiry.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.cfg.Now()
	if c.token != "" && now.Before(c.expiry) {
		return c.token, nil
	}

	ctx, span := c.tracer.Start(ctx, "daraja.IssueToken",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = fmt.Errorf("%w: token endpoint returned %d", ErrAuth, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var tok models.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed token response")
		return "", fmt.Errorf("%w: malformed token response: %v", ErrAuth, err)
	}
	if tok.AccessToken == "" {
		span.SetStatus(codes.Error, "empty access token")
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}

	c.token = tok.AccessToken
	c.expiry = now.Add(tokenLifetime - tokenSafetyBuffer)
	c.metrics.TokenRefreshes.Add(ctx, 1)
	span.SetStatus(codes.Ok, "")
	c.log.Info("daraja token refreshed", zap.Time("expires_at", c.expiry))

	return c.token, nil
}

// InitiateSTKPush sends the push-payment request and returns Daraja's raw
// acknowledgment. The password timestamp is regenerated per call since the
// encoded password depends on it.
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amount int64, category string) (*models.STKPushResponse, error) {
	ctx, span := c.tracer.Start(ctx, "daraja.STKPush",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mpesa.phone", phone),
			attribute.Int64("mpesa.amount", amount),
			attribute.String("mpesa.category", category),
		),
	)
	defer span.End()

	token, err := c.Token(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ts := timestampString(c.cfg.Now())
	push := models.STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  category,
		TransactionDesc:   "Payment for " + category,
	}

	body, err := json.Marshal(push)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: reading response (status %d): %v", ErrUpstream, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = fmt.Errorf("%w: daraja returned %d: %s", ErrUpstream, resp.StatusCode, raw)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var ack models.STKPushResponse
	if err := json.Unmarshal(raw, &ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed push response")
		return nil, fmt.Errorf("%w: malformed push response: %v", ErrUpstream, err)
	}
	if ack.ResponseCode != "0" || ack.CheckoutRequestID == "" {
		err = fmt.Errorf("%w: push not accepted (code %q): %s", ErrUpstream, ack.ResponseCode, ack.ResponseDescription)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("mpesa.checkout_request_id", ack.CheckoutRequestID))
	span.SetStatus(codes.Ok, "")
	return &ack, nil
}

// timestampString renders an instant as the YYYYMMDDHHmmss string that
// feeds the STK push password; local wall-clock time per the API contract.
func timestampString(t time.Time) string {
	return t.Format("20060102150405")
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}
