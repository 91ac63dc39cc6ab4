package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mpesa-stk-gateway/internal/models"
	"mpesa-stk-gateway/internal/poller"
	"mpesa-stk-gateway/internal/telemetry"
)

func gatewayAddr() string {
	if a := os.Getenv("GATEWAY_ADDR"); a != "" {
		return a
	}
	return "http://localhost:8080"
}

func main() {
	var (
		addr     = flag.String("addr", gatewayAddr(), "gateway base URL")
		phone    = flag.String("phone", "", "payer phone number, e.g. 254712345678")
		amount   = flag.Float64("amount", 0, "amount in whole shillings")
		category = flag.String("category", "Donation", "account reference label")
		interval = flag.Duration("interval", poller.DefaultInterval, "status poll interval")
		timeout  = flag.Duration("timeout", poller.DefaultTimeout, "overall poll timeout")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, _, _, shutdown, err := telemetry.Setup(ctx, "stk-poller")
	if err != nil {
		panic("failed to initialize telemetry: " + err.Error())
	}
	defer shutdown(context.Background())

	if *phone == "" || *amount <= 0 {
		log.Fatal("both -phone and a positive -amount are required")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down stk-poller...")
		cancel()
	}()

	client := &http.Client{Timeout: 5 * time.Second}

	sessionID, err := initiate(ctx, client, *addr, *phone, *amount, *category)
	if err != nil {
		log.Fatal("failed to initiate payment", zap.Error(err))
	}
	log.Info("stk push sent, polling for result",
		zap.String("session_id", sessionID),
		zap.Duration("interval", *interval),
		zap.Duration("timeout", *timeout),
	)

	outcome, err := poller.Poll(ctx, statusFunc(client, *addr, sessionID), *interval, *timeout)
	if err != nil {
		log.Fatal("polling failed", zap.Error(err))
	}

	log.Info("payment finished",
		zap.String("session_id", sessionID),
		zap.String("outcome", string(outcome)),
	)
}

func initiate(ctx context.Context, client *http.Client, addr, phone string, amount float64, category string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"phone":  phone,
		"amount": amount,
		"type":   category,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/mpesa/stkpush", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var ack models.STKPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", err
	}
	if ack.CheckoutRequestID == "" {
		return "", fmt.Errorf("gateway response missing CheckoutRequestID")
	}
	return ack.CheckoutRequestID, nil
}

func statusFunc(client *http.Client, addr, sessionID string) poller.StatusFunc {
	return func(ctx context.Context) (models.SessionStatus, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/mpesa/status/"+sessionID, nil)
		if err != nil {
			return "", err
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
		}

		var payload struct {
			Status models.SessionStatus `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", err
		}
		return payload.Status, nil
	}
}
