// Package httpserver exposes a read-only HTTP API over stored points.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/accesstats/internal/model"
)

// DefaultAddr is used when NewServer receives an empty address.
const DefaultAddr = "127.0.0.1:3000"

// tagParamPrefix marks series query parameters that filter by tag.
const tagParamPrefix = "tag."

// Server provides an HTTP API for querying stored points.
type Server struct {
	addr      string
	store     model.PointQuerier
	logger    *slog.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, store model.PointQuerier, logger *slog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		store:  store,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/measurements", s.handleMeasurements)
	r.GET("/api/series", s.handleSeries)
}

// Start binds the listener and begins serving HTTP requests in the background.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.routes(r)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpserver: serve failed", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	count, err := s.store.TotalPointCount(c.Request.Context())
	if err != nil {
		s.logger.Error("httpserver: health", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"point_count": count,
	})
}

func (s *Server) handleMeasurements(c *gin.Context) {
	stats, err := s.store.Measurements(c.Request.Context())
	if err != nil {
		s.logger.Error("httpserver: measurements", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list measurements"})
		return
	}
	if stats == nil {
		stats = []model.MeasurementStat{}
	}
	c.JSON(http.StatusOK, gin.H{"measurements": stats})
}

// handleSeries serves GET /api/series?measurement=hits&tag.vhost=a&limit=100.
func (s *Server) handleSeries(c *gin.Context) {
	q := model.SeriesQuery{Measurement: c.Query("measurement")}
	if q.Measurement == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "measurement is required"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = limit
	}
	for key, values := range c.Request.URL.Query() {
		name, ok := strings.CutPrefix(key, tagParamPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if q.Tags == nil {
			q.Tags = make(map[string]string)
		}
		q.Tags[name] = values[0]
	}

	points, err := s.store.Series(c.Request.Context(), q)
	if err != nil {
		s.logger.Error("httpserver: series", "measurement", q.Measurement, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query series"})
		return
	}
	if points == nil {
		points = []model.StoredPoint{}
	}
	c.JSON(http.StatusOK, gin.H{
		"measurement": q.Measurement,
		"points":      points,
		"count":       len(points),
	})
}
