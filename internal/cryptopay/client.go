package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/digkill/TestborBot/internal/metrics"
)

// ErrUnavailable is returned once every attempt to reach the processor failed.
var ErrUnavailable = errors.New("crypto processor unavailable")

// APIError is a definitive rejection from the processor. It is not retried.
type APIError struct {
	Status int
	Code   int
	Name   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crypto pay api error: status=%d code=%d name=%s", e.Status, e.Code, e.Name)
}

type Options struct {
	Token   string
	BaseURL string
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

type Client struct {
	token      string
	baseURL    string
	retries    int
	backoff    time.Duration
	httpClient *http.Client
	log        *slog.Logger
	metrics    *metrics.Metrics
}

type InvoiceRequest struct {
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Payload     string `json:"payload"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

type Invoice struct {
	InvoiceID     int64  `json:"invoice_id"`
	Status        string `json:"status"`
	Asset         string `json:"asset"`
	Amount        Amount `json:"amount"`
	PayURL        string `json:"pay_url"`
	BotInvoiceURL string `json:"bot_invoice_url"`
}

// URL prefers the in-Telegram checkout link.
func (i Invoice) URL() string {
	if i.BotInvoiceURL != "" {
		return i.BotInvoiceURL
	}
	return i.PayURL
}

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

func NewClient(opts Options, log *slog.Logger, m *metrics.Metrics) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Client{
		token:   opts.Token,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		retries: retries,
		backoff: backoff,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:     log,
		metrics: m,
	}
}

// CreateInvoice opens a checkout on the processor. Transport failures, 429 and
// 5xx answers are retried with exponential backoff.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	var invoice Invoice
	if err := c.call(ctx, "createInvoice", req, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *Client) call(ctx context.Context, method string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		start := time.Now()
		result, retry, err := c.do(ctx, method, body)
		if err == nil {
			c.metrics.ProcessorCall("ok", time.Since(start))
			if err := json.Unmarshal(result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
			return nil
		}
		c.metrics.ProcessorCall("error", time.Since(start))
		if !retry {
			return err
		}
		lastErr = err
		if c.log != nil {
			c.log.Warn("crypto pay call failed", "method", method, "attempt", attempt+1, "err", err)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, method, c.retries, lastErr)
}

func (c *Client) do(ctx context.Context, method string, body []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Crypto-Pay-API-Token", c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("post %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, true, &APIError{Status: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Name = env.Error.Name
		}
		return nil, false, apiErr
	}
	return env.Result, false, nil
}
