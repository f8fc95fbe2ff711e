package clob

import (
	"context"
	"sync"
	"time"

	"updown/internal/logger"
)

// SimClient 是内存撮合所：按限价立即全额成交，client-order-id 幂等。
// 未配置 base_url 时引擎以它运行，也是测试的默认对手方。
type SimClient struct {
	mu     sync.Mutex
	orders map[string]*OrderResult
	log    *logger.Component
	seq    int64
	nowFn  func() time.Time

	// FailNext 若非空，下一次 PlaceOrder 按队列头返回该错误（测试用）。
	FailNext []error
}

func NewSimClient() *SimClient {
	return &SimClient{
		orders: make(map[string]*OrderResult),
		log:    logger.WithComponent("clob-sim"),
		nowFn:  time.Now,
	}
}

func (s *SimClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[req.ClientOrderID]; ok {
		return cloneResult(existing), nil
	}
	if len(s.FailNext) > 0 {
		err := s.FailNext[0]
		s.FailNext = s.FailNext[1:]
		return nil, err
	}

	s.seq++
	res := &OrderResult{
		OrderID:     req.ClientOrderID + "-sim",
		Status:      OrderFilled,
		FilledPrice: req.LimitPrice,
		FilledSize:  req.SizeDollars,
		FilledAt:    s.nowFn().UTC(),
	}
	s.orders[req.ClientOrderID] = res
	s.log.Infof("模拟成交 market=%s outcome=%s sell=%v size=%.2f price=%.4f",
		req.Market, req.Side, req.Sell, req.SizeDollars, req.LimitPrice)
	return cloneResult(res), nil
}

func (s *SimClient) QueryOrder(ctx context.Context, clientOrderID string) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.orders[clientOrderID]; ok {
		return cloneResult(res), nil
	}
	return &OrderResult{Status: OrderNotFound}, nil
}

func cloneResult(r *OrderResult) *OrderResult {
	cp := *r
	return &cp
}
