package daraja_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"mpesa-stk-gateway/internal/daraja"
	"mpesa-stk-gateway/internal/models"
	"mpesa-stk-gateway/internal/telemetry"
)

const (
	testShortCode = "174379"
	testPasskey   = "bfb279f9aa9bdbcf158e97dd71a467cd2e0c893059b10f78e6b72ada1ed2c919"
)

type fakeClock struct {
	current time.Time
}

func (f *fakeClock) now() time.Time { return f.current }

func (f *fakeClock) advance(d time.Duration) { f.current = f.current.Add(d) }

func newClient(t *testing.T, baseURL string, clock *fakeClock) *daraja.Client {
	t.Helper()
	metrics, err := telemetry.NewMetrics(metricnoop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("failed to build metrics: %v", err)
	}
	return daraja.New(daraja.Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      testShortCode,
		Passkey:        testPasskey,
		CallbackURL:    "https://example.com/api/mpesa/callback",
		Now:            clock.now,
	}, metrics, zap.NewNop(), tracenoop.NewTracerProvider().Tracer("test"))
}

func tokenHandler(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(models.TokenResponse{AccessToken: "tok-1", ExpiresIn: "3599"})
	}
}

func TestTokenCachedWhileValid(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/oauth/v1/generate") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Errorf("missing or wrong basic auth")
		}
		tokenHandler(&hits)(w, r)
	}))
	defer srv.Close()

	clock := &fakeClock{current: time.Now()}
	c := newClient(t, srv.URL, clock)

	for i := 0; i < 3; i++ {
		tok, err := c.Token(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("unexpected token %q", tok)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one issuance call, got %d", hits.Load())
	}
}

func TestTokenRefreshedAfterExpiry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(tokenHandler(&hits))
	defer srv.Close()

	clock := &fakeClock{current: time.Now()}
	c := newClient(t, srv.URL, clock)

	if _, err := c.Token(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Inside the buffered 3500 s lifetime: still cached.
	clock.advance(3499 * time.Second)
	if _, err := c.Token(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached token before expiry, got %d issuance calls", hits.Load())
	}

	clock.advance(2 * time.Second)
	if _, err := c.Token(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly one re-issuance after expiry, got %d total", hits.Load())
	}
}

func TestTokenFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-2xx", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
		{"empty token", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{}"))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := newClient(t, srv.URL, &fakeClock{current: time.Now()})
			if _, err := c.Token(t.Context()); !errors.Is(err, daraja.ErrAuth) {
				t.Fatalf("expected ErrAuth, got %v", err)
			}
		})
	}
}

func TestSTKPushSendsProviderFields(t *testing.T) {
	fixed := time.Date(2024, 3, 5, 7, 9, 11, 0, time.UTC)
	var captured models.STKPushRequest
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			json.NewEncoder(w).Encode(models.TokenResponse{AccessToken: "tok-1"})
			return
		}
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		json.NewEncoder(w).Encode(models.STKPushResponse{
			CheckoutRequestID: "ws_CO_191220191020363925",
			ResponseCode:      "0",
			CustomerMessage:   "Success. Request accepted for processing",
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, &fakeClock{current: fixed})
	ack, err := c.InitiateSTKPush(t.Context(), "254712345678", 100, "Tithe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Fatalf("unexpected checkout request id %q", ack.CheckoutRequestID)
	}

	if authHeader != "Bearer tok-1" {
		t.Fatalf("expected bearer token header, got %q", authHeader)
	}

	wantTimestamp := "20240305070911"
	if captured.Timestamp != wantTimestamp {
		t.Fatalf("expected timestamp %s, got %s", wantTimestamp, captured.Timestamp)
	}
	wantPassword := base64.StdEncoding.EncodeToString([]byte(testShortCode + testPasskey + wantTimestamp))
	if captured.Password != wantPassword {
		t.Fatalf("password mismatch: got %q", captured.Password)
	}
	if captured.TransactionType != "CustomerPayBillOnline" {
		t.Fatalf("unexpected transaction type %q", captured.TransactionType)
	}
	if captured.Amount != 100 {
		t.Fatalf("expected integer amount 100, got %d", captured.Amount)
	}
	if captured.PartyA != "254712345678" || captured.PhoneNumber != "254712345678" {
		t.Fatalf("payer fields wrong: %+v", captured)
	}
	if captured.BusinessShortCode != testShortCode || captured.PartyB != testShortCode {
		t.Fatalf("shortcode fields wrong: %+v", captured)
	}
	if captured.AccountReference != "Tithe" {
		t.Fatalf("unexpected account reference %q", captured.AccountReference)
	}
	if captured.CallBackURL != "https://example.com/api/mpesa/callback" {
		t.Fatalf("unexpected callback url %q", captured.CallBackURL)
	}
}

func TestSTKPushTimestampRegeneratedPerRequest(t *testing.T) {
	clock := &fakeClock{current: time.Date(2024, 3, 5, 7, 9, 11, 0, time.UTC)}
	var timestamps []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			json.NewEncoder(w).Encode(models.TokenResponse{AccessToken: "tok-1"})
			return
		}
		var req models.STKPushRequest
		json.NewDecoder(r.Body).Decode(&req)
		timestamps = append(timestamps, req.Timestamp)
		json.NewEncoder(w).Encode(models.STKPushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, clock)
	if _, err := c.InitiateSTKPush(t.Context(), "254712345678", 50, "Offering"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advance(37 * time.Second)
	if _, err := c.InitiateSTKPush(t.Context(), "254712345678", 50, "Offering"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(timestamps) != 2 || timestamps[0] == timestamps[1] {
		t.Fatalf("expected a fresh timestamp per request, got %v", timestamps)
	}
	if timestamps[1] != "20240305070948" {
		t.Fatalf("unexpected second timestamp %q", timestamps[1])
	}
}

func TestSTKPushUpstreamFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		detail  string
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"errorMessage":"Spike arrest violation"}`))
		}, "Spike arrest violation"},
		{"rejected acknowledgment", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(models.STKPushResponse{
				ResponseCode:        "1",
				ResponseDescription: "Invalid PartyB",
			})
		}, "Invalid PartyB"},
		{"missing checkout id", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(models.STKPushResponse{ResponseCode: "0"})
		}, "push not accepted"},
		{"truncated error body", func(w http.ResponseWriter, r *http.Request) {
			// Declaring more bytes than are written makes the server cut
			// the connection, so the client sees a short read.
			w.Header().Set("Content-Length", "512")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"errorMessage":"Sys`))
		}, "unexpected EOF"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasPrefix(r.URL.Path, "/oauth/") {
					json.NewEncoder(w).Encode(models.TokenResponse{AccessToken: "tok-1"})
					return
				}
				tc.handler(w, r)
			}))
			defer srv.Close()

			c := newClient(t, srv.URL, &fakeClock{current: time.Now()})
			_, err := c.InitiateSTKPush(t.Context(), "254712345678", 100, "Tithe")
			if !errors.Is(err, daraja.ErrUpstream) {
				t.Fatalf("expected ErrUpstream, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.detail) {
				t.Fatalf("provider detail %q not preserved in %q", tc.detail, err.Error())
			}
		})
	}
}
