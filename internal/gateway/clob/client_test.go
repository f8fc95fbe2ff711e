package clob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"updown/internal/config"
	"updown/internal/errkind"
	"updown/internal/types"

	"github.com/stretchr/testify/assert"
)

func newTestClient(handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewHTTPClient(config.CLOBConfig{BaseURL: srv.URL, APIKey: "test-key", TimeoutSec: 5})
	return c, srv
}

func orderRequest() OrderRequest {
	return OrderRequest{
		ClientOrderID: "intent-1",
		Market:        "BTCUSDT-1000",
		Side:          types.SideUp,
		SizeDollars:   100,
		LimitPrice:    0.55,
	}
}

func TestPlaceOrderFilled(t *testing.T) {
	var gotBody map[string]any
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"order_id":"ord-1","status":"filled","filled_price":0.55,"filled_size":100,"filled_at":"2026-08-31T10:00:00Z"}`))
	})
	defer srv.Close()

	res, err := c.PlaceOrder(context.Background(), orderRequest())
	assert.NoError(t, err)
	assert.Equal(t, OrderFilled, res.Status)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.InDelta(t, 0.55, res.FilledPrice, 1e-9)
	assert.False(t, res.FilledAt.IsZero())

	assert.Equal(t, "intent-1", gotBody["client_order_id"])
	assert.Equal(t, "up", gotBody["outcome"])
	assert.Equal(t, "buy", gotBody["side"])
}

func TestPlaceOrderSellSide(t *testing.T) {
	var gotBody map[string]any
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"order_id":"ord-1","status":"filled"}`))
	})
	defer srv.Close()

	req := orderRequest()
	req.Sell = true
	_, err := c.PlaceOrder(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, "sell", gotBody["side"])
}

func TestPlaceOrderConflictFallsBackToQuery(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			return
		}
		assert.Equal(t, "/v1/orders/by-client-id/intent-1", r.URL.Path)
		w.Write([]byte(`{"order_id":"ord-1","status":"filled","filled_price":0.55,"filled_size":100}`))
	})
	defer srv.Close()

	res, err := c.PlaceOrder(context.Background(), orderRequest())
	assert.NoError(t, err)
	assert.Equal(t, OrderFilled, res.Status)
	assert.Equal(t, "ord-1", res.OrderID)
}

func TestPlaceOrderRejectedIsTerminal(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"insufficient balance"}`))
	})
	defer srv.Close()

	_, err := c.PlaceOrder(context.Background(), orderRequest())
	assert.ErrorIs(t, err, errkind.ErrExecutionRejected)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestPlaceOrderServerErrorIsRetryable(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := c.PlaceOrder(context.Background(), orderRequest())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errkind.ErrExecutionRejected)
}

func TestQueryOrderNotFound(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	res, err := c.QueryOrder(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Equal(t, OrderNotFound, res.Status)
}

func TestParseOrderDefaultsToPending(t *testing.T) {
	res := parseOrder([]byte(`{"order_id":"ord-1"}`))
	assert.Equal(t, OrderPending, res.Status)
}

func TestSimClientIdempotent(t *testing.T) {
	sim := NewSimClient()
	req := orderRequest()

	first, err := sim.PlaceOrder(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, OrderFilled, first.Status)

	second, err := sim.PlaceOrder(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID, "同 client-order-id 不产生新订单")

	queried, err := sim.QueryOrder(context.Background(), req.ClientOrderID)
	assert.NoError(t, err)
	assert.Equal(t, first.OrderID, queried.OrderID)
}
