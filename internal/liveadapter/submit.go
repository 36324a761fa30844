package liveadapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"btcore/pkg/types"
)

// SubmitResponse is the exchange's acknowledgement of one order
// submission.
type SubmitResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// CancelResponse reports which order ids were actually cancelled.
type CancelResponse struct {
	Cancelled []string `json:"cancelled"`
}

// OrderSubmitter places and cancels orders against a real exchange's REST
// API. It is the live-trading analogue of what internal/book simulates
// in a backtest: the Strategy/engine boundary is identical, only the
// fill mechanism differs.
type OrderSubmitter struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewOrderSubmitter creates a REST client with rate limiting and retry,
// mirroring the construction idiom of a production exchange client:
// bounded timeout, capped retries on 5xx, exponential backoff between
// attempts.
func NewOrderSubmitter(baseURL string, dryRun bool, logger *slog.Logger) *OrderSubmitter {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &OrderSubmitter{
		http:   httpClient,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "liveadapter"),
	}
}

// Submit places one order. In dry-run mode it returns a synthetic
// acknowledgement without making any HTTP call, so a strategy can be
// rehearsed against the live adapter's interface before real capital is
// at risk.
func (s *OrderSubmitter) Submit(ctx context.Context, req types.OrderRequest) (*SubmitResponse, error) {
	if s.dryRun {
		s.logger.Info("dry-run: would submit order", "symbol", req.Symbol, "side", req.Side)
		return &SubmitResponse{Success: true, OrderID: "dry-run", Status: "accepted"}, nil
	}
	if err := s.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result SubmitResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// Cancel cancels orders by id.
func (s *OrderSubmitter) Cancel(ctx context.Context, orderIDs []string) (*CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &CancelResponse{}, nil
	}
	if s.dryRun {
		s.logger.Info("dry-run: would cancel orders", "count", len(orderIDs))
		return &CancelResponse{Cancelled: orderIDs}, nil
	}
	if err := s.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"order_ids"`
	}{OrderIDs: orderIDs}

	var result CancelResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}
