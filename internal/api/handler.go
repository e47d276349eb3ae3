// Package api exposes the statistics window over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/barstats/internal/models"
	"github.com/rewired-gh/barstats/internal/stats"
)

const (
	basePath          = "/api/v1"
	defaultReportsMax = 10
	maxReports        = 500
)

var errMissingWindows = errors.New("windows query param required")

// ReportStore lists persisted reports, newest first.
type ReportStore interface {
	GetRecentReports(k int) ([]models.Report, error)
}

type Handler struct {
	router  *gin.Engine
	engine  *stats.MovingStatistics
	reports ReportStore
	symbol  string
	windows []int
}

type windowResponse struct {
	Symbol   string       `json:"symbol"`
	Capacity int          `json:"capacity"`
	Held     int          `json:"held"`
	Bars     []models.Bar `json:"bars"`
}

type seriesResponse struct {
	Symbol string               `json:"symbol"`
	Series map[int][]models.Bar `json:"series"`
}

// NewHandler builds the router. windows is used when a request names none;
// reports may be nil, which disables the reports route.
func NewHandler(engine *stats.MovingStatistics, reports ReportStore, symbol string, windows []int) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:  router,
		engine:  engine,
		reports: reports,
		symbol:  symbol,
		windows: windows,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/healthz", h.healthz)

	v1 := h.router.Group(basePath)
	{
		v1.GET("/window", h.getWindow)
		v1.GET("/means", h.getMeans)
		v1.GET("/deviations", h.getDeviations)
		if h.reports != nil {
			v1.GET("/reports", h.getReports)
		}
	}
}

func (h *Handler) healthz(c *gin.Context) {
	if _, err := h.engine.Len(c.Request.Context()); err != nil {
		writeError(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getWindow(c *gin.Context) {
	bars, err := h.engine.Snapshot(c.Request.Context())
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, windowResponse{
		Symbol:   h.symbol,
		Capacity: h.engine.Capacity(),
		Held:     len(bars),
		Bars:     bars,
	})
}

func (h *Handler) getMeans(c *gin.Context) {
	windows, err := h.parseWindows(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	means, err := h.engine.Means(c.Request.Context(), windows)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.series(means))
}

func (h *Handler) getDeviations(c *gin.Context) {
	windows, err := h.parseWindows(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	_, devs, err := h.engine.MeansAndDeviations(c.Request.Context(), windows)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.series(devs))
}

func (h *Handler) getReports(c *gin.Context) {
	limit := defaultReportsMax
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxReports {
			writeError(c, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", maxReports))
			return
		}
		limit = n
	}
	reports, err := h.reports.GetRecentReports(limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if reports == nil {
		reports = []models.Report{}
	}
	c.JSON(http.StatusOK, reports)
}

func (h *Handler) series(m map[int][]models.Bar) seriesResponse {
	return seriesResponse{Symbol: h.symbol, Series: m}
}

// parseWindows reads a comma-separated windows list, falling back to the
// configured windows when the parameter is absent.
func (h *Handler) parseWindows(c *gin.Context) ([]int, error) {
	raw, ok := c.GetQuery("windows")
	if !ok {
		if len(h.windows) == 0 {
			return nil, errMissingWindows
		}
		return h.windows, nil
	}
	if strings.TrimSpace(raw) == "" {
		return nil, errMissingWindows
	}
	parts := strings.Split(raw, ",")
	windows := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid window %q", p)
		}
		windows = append(windows, n)
	}
	return windows, nil
}

// writeEngineError maps request mistakes to 400 and lock failures to 503.
func writeEngineError(c *gin.Context, err error) {
	var lockErr *stats.LockError
	switch {
	case stats.IsDomainError(err):
		writeError(c, http.StatusBadRequest, err)
	case errors.As(err, &lockErr):
		writeError(c, http.StatusServiceUnavailable, err)
	default:
		writeError(c, http.StatusInternalServerError, err)
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
