// Package transporthttp 提供只读监控面：健康检查、组件状态、
// 窗口/仓位/共识快照。不提供任何交易操作入口。
package transporthttp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"updown/internal/component"
	"updown/internal/logger"
	"updown/internal/store"
	"updown/internal/types"

	"github.com/gin-gonic/gin"
)

// StateSource 聚合全部组件的健康面。
type StateSource interface {
	States() []component.State
}

// MarketSource 提供共识价与源统计快照。
type MarketSource interface {
	Consensus(symbol string) (types.ConsensusReading, bool)
	SourceStats() []types.SourceStats
}

// WindowSource 提供窗口快照。
type WindowSource interface {
	Recent(symbol string) []types.Window
}

// PositionSource 提供仓位与敞口快照。
type PositionSource interface {
	Positions() []types.Position
	TotalExposure() float64
}

type Server struct {
	addr   string
	router *gin.Engine
	log    *logger.Component
}

type Deps struct {
	Addr      string
	Symbols   []string
	States    StateSource
	Market    MarketSource
	Windows   WindowSource
	Positions PositionSource
	DB        store.Store
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Addr == "" {
		deps.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"symbols":      deps.Symbols,
			"components":   deps.States.States(),
			"exposure_usd": deps.Positions.TotalExposure(),
		})
	})
	api.GET("/consensus/:symbol", func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		reading, ok := deps.Market.Consensus(symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no consensus for " + symbol})
			return
		}
		c.JSON(http.StatusOK, reading)
	})
	api.GET("/sources", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Market.SourceStats())
	})
	api.GET("/windows/:symbol", func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		c.JSON(http.StatusOK, deps.Windows.Recent(symbol))
	})
	api.GET("/positions", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Positions.Positions())
	})
	api.GET("/audits", func(c *gin.Context) {
		uow, err := deps.DB.Begin(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer uow.Rollback()
		recs, err := uow.Audits().ListRecent(c.Request.Context(), 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	})

	return &Server{addr: deps.Addr, router: router, log: logger.WithComponent("http")}, nil
}

func (s *Server) Addr() string { return s.addr }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("✓ 监控服务启动 addr=%s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
