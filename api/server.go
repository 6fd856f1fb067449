// Package api exposes the core operations over HTTP. It is a thin surface:
// every handler parses the execution key, calls the engine or harness, and
// renders the result as JSON with stable key ordering.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
	"ChronoLedger/logger"
	"ChronoLedger/metrics"
	"ChronoLedger/replay"
	"ChronoLedger/store"
	"ChronoLedger/trader"
)

// Server hosts the execution/replay HTTP surface.
type Server struct {
	db     store.Database
	engine *trader.Engine
	router *gin.Engine
}

// NewServer builds the router over a substrate.
func NewServer(db store.Database) *Server {
	gin.SetMode(gin.ReleaseMode)
	server := &Server{
		db:     db,
		engine: trader.NewEngine(db),
		router: gin.New(),
	}
	server.router.Use(gin.Recovery())

	server.router.POST("/execute-hour", server.handleExecuteHour)
	server.router.GET("/replay-hour", server.handleReplayHour)
	server.router.GET("/replay-manifest", server.handleReplayManifest)
	server.router.GET("/replay-window", server.handleReplayWindow)
	server.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return server
}

// Router returns the underlying gin engine (for tests and embedding).
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	logger.Infof("api listening on %s", addr)
	return s.router.Run(addr)
}

type executeHourRequest struct {
	RunID     string `json:"run_id" binding:"required"`
	AccountID int64  `json:"account_id" binding:"required"`
	RunMode   string `json:"run_mode" binding:"required"`
	HourTsUTC string `json:"hour_ts_utc" binding:"required"`
}

func (s *Server) handleExecuteHour(c *gin.Context) {
	var request executeHourRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runID, err := uuid.Parse(request.RunID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run_id"})
		return
	}
	runMode, err := domain.ParseRunMode(request.RunMode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hour, err := canon.ParseTimestamp(request.HourTsUTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.ExecuteHour(runID, request.AccountID, runMode, hour)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trade_signals":           len(result.TradeSignals),
		"order_requests":          len(result.OrderRequests),
		"order_fills":             len(result.OrderFills),
		"position_lots":           len(result.PositionLots),
		"executed_trades":         len(result.ExecutedTrades),
		"cash_ledger":             len(result.CashLedger),
		"risk_events":             len(result.RiskEvents),
		"replay_root_hash":        result.ReplayRootHash,
		"authoritative_row_count": result.RowCount,
	})
}

func (s *Server) handleReplayHour(c *gin.Context) {
	runID, accountID, hour, ok := s.parseReplayKey(c)
	if !ok {
		return
	}
	report, err := s.engine.ReplayHour(runID, accountID, hour)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleReplayManifest(c *gin.Context) {
	runID, accountID, hour, ok := s.parseReplayKey(c)
	if !ok {
		return
	}
	report, err := replay.ManifestParity(s.db, runID, accountID, hour)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleReplayWindow(c *gin.Context) {
	accountID, ok := s.int64Query(c, "account_id")
	if !ok {
		return
	}
	runMode, err := domain.ParseRunMode(c.Query("run_mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := canon.ParseTimestamp(c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	end, err := canon.ParseTimestamp(c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	maxTargets := 0
	if raw := c.Query("max_targets"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_targets"})
			return
		}
		maxTargets = value
	}

	report, err := replay.ManifestWindowParity(s.db, accountID, runMode, start, end, maxTargets)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) parseReplayKey(c *gin.Context) (uuid.UUID, int64, time.Time, bool) {
	runID, err := uuid.Parse(c.Query("run_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run_id"})
		return uuid.Nil, 0, time.Time{}, false
	}
	accountID, ok := s.int64Query(c, "account_id")
	if !ok {
		return uuid.Nil, 0, time.Time{}, false
	}
	hour, err := canon.ParseTimestamp(c.Query("hour_ts_utc"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return uuid.Nil, 0, time.Time{}, false
	}
	return runID, accountID, hour, true
}

func (s *Server) int64Query(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return value, true
}

func statusForError(err error) int {
	var abort *domain.AbortError
	if errors.As(err, &abort) {
		switch abort.Kind {
		case domain.ErrInputMissing:
			return http.StatusNotFound
		case domain.ErrSubstrateIntegrity:
			return http.StatusConflict
		default:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}
