// Package clob 封装外部撮合所的下单/查单通道。client-order-id 恒等于
// intent ID，撮合所按它幂等去重，重试不会产生重复订单。
package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"updown/internal/config"
	"updown/internal/errkind"
	"updown/internal/logger"
	"updown/internal/types"

	"github.com/tidwall/gjson"
)

type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPending  OrderStatus = "pending"
	OrderRejected OrderStatus = "rejected"
	OrderNotFound OrderStatus = "not_found"
)

// OrderRequest 是一次下单请求。Market 即窗口 ID。
type OrderRequest struct {
	ClientOrderID string
	Market        string
	Side          types.Side
	Sell          bool
	SizeDollars   float64
	LimitPrice    float64
}

type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	FilledPrice float64
	FilledSize  float64
	FilledAt    time.Time
}

// OrderClient 是执行器对撮合所的最小依赖。
type OrderClient interface {
	// PlaceOrder 提交订单。网络/超时类错误可重试；
	// ErrExecutionRejected 为终态拒绝，不得重试。
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// QueryOrder 按 client-order-id 查单，用于超时歧义消解与 redrive 前置检查。
	QueryOrder(ctx context.Context, clientOrderID string) (*OrderResult, error)
}

// HTTPClient 通过 REST 访问撮合所。
type HTTPClient struct {
	cfg  config.CLOBConfig
	http *http.Client
	log  *logger.Component
}

func NewHTTPClient(cfg config.CLOBConfig) *HTTPClient {
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout()},
		log:  logger.WithComponent("clob"),
	}
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "buy"
	if req.Sell {
		side = "sell"
	}
	body, err := json.Marshal(map[string]any{
		"client_order_id": req.ClientOrderID,
		"market":          req.Market,
		"outcome":         req.Side.String(),
		"side":            side,
		"size_usd":        req.SizeDollars,
		"limit_price":     req.LimitPrice,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read order response failed: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseOrder(raw), nil
	case resp.StatusCode == http.StatusConflict:
		// 幂等键冲突：订单已存在，转查单拿结果。
		c.log.Warnf("client-order-id 冲突，转查单 id=%s", req.ClientOrderID)
		return c.QueryOrder(ctx, req.ClientOrderID)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := gjson.GetBytes(raw, "error").String()
		return nil, fmt.Errorf("%w: http %d %s", errkind.ErrExecutionRejected, resp.StatusCode, reason)
	default:
		return nil, fmt.Errorf("clob http %d: %s", resp.StatusCode, string(raw))
	}
}

func (c *HTTPClient) QueryOrder(ctx context.Context, clientOrderID string) (*OrderResult, error) {
	url := fmt.Sprintf("%s/v1/orders/by-client-id/%s", c.cfg.BaseURL, clientOrderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query order failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &OrderResult{Status: OrderNotFound}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseOrder(raw), nil
	default:
		return nil, fmt.Errorf("clob query http %d: %s", resp.StatusCode, string(raw))
	}
}

func parseOrder(raw []byte) *OrderResult {
	res := &OrderResult{
		OrderID:     gjson.GetBytes(raw, "order_id").String(),
		Status:      OrderStatus(gjson.GetBytes(raw, "status").String()),
		FilledPrice: gjson.GetBytes(raw, "filled_price").Float(),
		FilledSize:  gjson.GetBytes(raw, "filled_size").Float(),
	}
	if ts := gjson.GetBytes(raw, "filled_at").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			res.FilledAt = t
		}
	}
	if res.Status == "" {
		res.Status = OrderPending
	}
	return res
}
