package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"binance-futures-bot/internal/metrics"
	"binance-futures-bot/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 500
	defaultSnapshotLimit = 10
	shutdownTimeout      = 5 * time.Second
)

// Positions is the read side of the ledger.
type Positions interface {
	ListOpen() ([]*models.Position, error)
	GetOpenPosition(symbol string) (*models.Position, error)
	History(symbol string, limit int) ([]*models.Position, error)
}

// Snapshots serves stored analysis snapshots, oldest first.
type Snapshots interface {
	LastSnapshots(ctx context.Context, symbol string, n int) ([]models.Snapshot, error)
}

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, apiResponse{Code: status, Message: message})
}

// Server is the read-only status API.
type Server struct {
	positions Positions
	snapshots Snapshots
	started   time.Time
	logger    *zap.Logger
	engine    *gin.Engine
	srv       *http.Server
}

func NewServer(addr string, positions Positions, snapshots Snapshots, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		positions: positions,
		snapshots: snapshots,
		started:   time.Now(),
		logger:    logger.Named("api"),
		engine:    gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.register(s.engine)
	s.srv = &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler exposes the routes (tests).
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) register(r *gin.Engine) {
	r.GET("/healthz", s.health)
	r.GET("/positions", s.listPositions)
	r.GET("/positions/:symbol", s.getPosition)
	r.GET("/positions/:symbol/history", s.history)
	r.GET("/analysis/:symbol", s.analysis)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("状态接口已启动", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.started).Round(time.Second).String()})
}

func (s *Server) listPositions(c *gin.Context) {
	open, err := s.positions.ListOpen()
	if err != nil {
		s.logger.Warn("list open positions", zap.Error(err))
		fail(c, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if open == nil {
		open = []*models.Position{}
	}
	ok(c, open)
}

func (s *Server) getPosition(c *gin.Context) {
	sym := strings.ToUpper(c.Param("symbol"))
	pos, err := s.positions.GetOpenPosition(sym)
	if err != nil {
		fail(c, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if pos == nil {
		fail(c, http.StatusNotFound, "no open position for "+sym)
		return
	}
	ok(c, pos)
}

func (s *Server) history(c *gin.Context) {
	sym := strings.ToUpper(c.Param("symbol"))
	limit, valid := parseLimit(c.Query("limit"), defaultHistoryLimit)
	if !valid {
		fail(c, http.StatusBadRequest, "invalid limit")
		return
	}
	hist, err := s.positions.History(sym, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if hist == nil {
		hist = []*models.Position{}
	}
	ok(c, hist)
}

func (s *Server) analysis(c *gin.Context) {
	sym := strings.ToUpper(c.Param("symbol"))
	limit, valid := parseLimit(c.Query("limit"), defaultSnapshotLimit)
	if !valid {
		fail(c, http.StatusBadRequest, "invalid limit")
		return
	}
	snaps, err := s.snapshots.LastSnapshots(c.Request.Context(), sym, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "snapshot store unavailable")
		return
	}
	if snaps == nil {
		snaps = []models.Snapshot{}
	}
	ok(c, snaps)
}

func parseLimit(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, true
}
