// Package notify delivers batch completion callbacks to tenant endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrPermanent marks a callback the endpoint rejected outright
var ErrPermanent = errors.New("callback rejected")

// Callback is the JSON body posted to the tenant's callback_url
type Callback struct {
	RequestID   string    `json:"request_id"`
	CompanyID   string    `json:"company_id"`
	Status      string    `json:"status"`
	TotalJobs   int       `json:"total_jobs"`
	Done        int       `json:"done"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completed_at"`
}

// Config controls delivery behaviour
type Config struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	RPS        float64
	Burst      int
	HTTPClient *http.Client
}

// Notifier posts callbacks under a shared rate limit
type Notifier struct {
	client     *http.Client
	limiter    *rate.Limiter
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// New creates a Notifier
func New(cfg Config, logger *slog.Logger) *Notifier {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	return &Notifier{
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
		retries:    max(cfg.Retries, 0),
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Notify posts cb to url, retrying transient failures with exponential backoff
func (n *Notifier) Notify(ctx context.Context, url string, cb Callback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}

	var lastErr error
	delay := n.retryDelay
	for attempt := 0; attempt <= n.retries; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("callback rate limit wait: %w", err)
		}

		lastErr = n.post(ctx, url, cb.RequestID, body)
		if lastErr == nil {
			n.logger.Info("Callback delivered",
				slog.String("request_id", cb.RequestID),
				slog.String("status", cb.Status),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			break
		}

		if attempt < n.retries {
			n.logger.Warn("Callback delivery failed, retrying...",
				slog.String("request_id", cb.RequestID),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("callback canceled: %w", ctx.Err())
			}
			delay *= 2
		}
	}

	n.logger.Error("Callback delivery failed",
		slog.String("request_id", cb.RequestID),
		slog.Any("error", lastErr),
	)
	return lastErr
}

func (n *Notifier) post(ctx context.Context, url, requestID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rate-bulk-worker")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: endpoint returned %d", ErrPermanent, resp.StatusCode)
	}
}
