// Package gateway talks to the external payment gateway over HTTP/JSON.
//
// The gateway answers POST /v1/request and POST /v1/verify with a numeric result
// code. 100 means success; on verify 201 means the payment was already verified.
// Every other code is a failure. Transport problems, timeouts, non-2xx answers and
// bodies without a result code are reported as ErrUnavailable and never as a
// failure, since the gateway may still have processed the call.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"checkout-service/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Result codes
const (
	ResultSuccess         = 100
	ResultAlreadyVerified = 201
)

const maxBodyBytes = 1 << 20

// ErrUnavailable marks retryable transport-level failures
var ErrUnavailable = errors.New("payment gateway unavailable")

// Config configures the gateway client
type Config struct {
	Name        string
	BaseURL     string
	StartURL    string
	Merchant    string
	CallbackURL string
	Timeout     time.Duration
}

// RequestResult is the gateway answer to a payment request
type RequestResult struct {
	ResultCode int
	TrackID    string
	Message    string
	Raw        json.RawMessage
}

// Accepted reports whether the gateway issued a track id
func (r *RequestResult) Accepted() bool {
	return r.ResultCode == ResultSuccess && r.TrackID != ""
}

// VerifyResult is the gateway answer to a verification
type VerifyResult struct {
	ResultCode int
	Message    string
	Raw        json.RawMessage
}

// Paid reports whether the code confirms the payment. Unknown codes are not paid.
func (r *VerifyResult) Paid() bool {
	return r.ResultCode == ResultSuccess || r.ResultCode == ResultAlreadyVerified
}

type requestBody struct {
	Merchant    string `json:"merchant"`
	Amount      int64  `json:"amount"`
	CallbackURL string `json:"callbackUrl"`
}

type verifyBody struct {
	Merchant string `json:"merchant"`
	TrackID  string `json:"trackId"`
}

type responseBody struct {
	Result  *int            `json:"result"`
	TrackID json.RawMessage `json:"trackId"`
	Message string          `json:"message"`
}

// Client is the payment gateway client
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

// NewClient creates a gateway client with a hard per-call timeout
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "zibal"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.StartURL = strings.TrimRight(cfg.StartURL, "/")

	logger := util.GetLogger()

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Name returns the gateway name stored on payments
func (c *Client) Name() string {
	return c.cfg.Name
}

// PaymentURL returns the page the customer is redirected to
func (c *Client) PaymentURL(trackID string) string {
	return c.cfg.StartURL + "/" + trackID
}

// Request asks the gateway to open a payment for amount
func (c *Client) Request(ctx context.Context, amount int64) (*RequestResult, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.Request")
	defer span.End()

	raw, err := c.post(ctx, "request", "/v1/request", requestBody{
		Merchant:    c.cfg.Merchant,
		Amount:      amount,
		CallbackURL: c.cfg.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	resp, err := decode(raw)
	if err != nil {
		return nil, err
	}

	return &RequestResult{
		ResultCode: *resp.Result,
		TrackID:    normalizeTrackID(resp.TrackID),
		Message:    resp.Message,
		Raw:        raw,
	}, nil
}

// Verify asks the gateway whether the payment behind trackID was completed
func (c *Client) Verify(ctx context.Context, trackID string) (*VerifyResult, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.Verify")
	defer span.End()

	raw, err := c.post(ctx, "verify", "/v1/verify", verifyBody{
		Merchant: c.cfg.Merchant,
		TrackID:  trackID,
	})
	if err != nil {
		return nil, err
	}

	resp, err := decode(raw)
	if err != nil {
		return nil, err
	}

	return &VerifyResult{
		ResultCode: *resp.Result,
		Message:    resp.Message,
		Raw:        raw,
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	start := time.Now()
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
		}
		return data, nil
	})
	util.GatewayLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Warn("Gateway call failed",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	return raw, nil
}

func decode(raw []byte) (*responseBody, error) {
	var resp responseBody
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response body: %v", ErrUnavailable, err)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("%w: response carries no result code", ErrUnavailable)
	}
	return &resp, nil
}

// normalizeTrackID accepts the track id as a JSON number or string
func normalizeTrackID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
