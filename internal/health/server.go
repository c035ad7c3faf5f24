package health

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lead-agent/internal/metrics"
	"lead-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	shutdownTimeout   = 5 * time.Second
)

// Desk is the operator surface exposed by the API.
type Desk interface {
	StatusReport(ctx context.Context, id int64) (string, error)
	Block(ctx context.Context, id int64) error
	Unblock(ctx context.Context, id int64) error
	HandleCommand(ctx context.Context, id int64, text string) (string, error)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type leadResponse struct {
	ID     int64  `json:"id"`
	Report string `json:"report,omitempty"`
	Status string `json:"status,omitempty"`
	Reply  string `json:"reply,omitempty"`
}

type commandRequest struct {
	Text string `json:"text" binding:"required"`
}

// Server serves health, metrics and, when a token is configured, the
// operator API.
type Server struct {
	addr    string
	engine  *gin.Engine
	monitor *Monitor
	desk    Desk
	token   string
	log     zerolog.Logger
}

func NewServer(addr string, monitor *Monitor, desk Desk, token string, log zerolog.Logger) (*Server, error) {
	if monitor == nil {
		return nil, errors.New("health: monitor must not be nil")
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:    addr,
		engine:  gin.New(),
		monitor: monitor,
		desk:    desk,
		token:   token,
		log:     log.With().Str("component", "http").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.correlation(), s.requestLog())
	s.routes()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	health := func(c *gin.Context) { c.JSON(http.StatusOK, s.monitor.Snapshot()) }
	s.engine.GET("/", health)
	s.engine.GET("/health", health)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	if s.desk == nil || s.token == "" {
		return
	}
	leads := s.engine.Group("/leads", s.auth())
	leads.GET("/:id", s.leadStatus)
	leads.POST("/:id/block", s.block)
	leads.POST("/:id/unblock", s.unblock)
	leads.POST("/:id/command", s.command)
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("correlation_id", id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("correlation_id", c.GetString("correlation_id")).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) auth() gin.HandlerFunc {
	want := []byte("Bearer " + s.token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED"})
			return
		}
		c.Next()
	}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorUnreachable:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		s.log.Error().Err(err).Str("correlation_id", c.GetString("correlation_id")).Msg("operator request failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
		return
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("correlation_id", c.GetString("correlation_id")).Msg("operator request failed")
	}
	c.JSON(status, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func leadID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_id"})
		return 0, false
	}
	return id, true
}

func (s *Server) leadStatus(c *gin.Context) {
	id, ok := leadID(c)
	if !ok {
		return
	}
	report, err := s.desk.StatusReport(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, leadResponse{ID: id, Report: report})
}

func (s *Server) block(c *gin.Context) {
	id, ok := leadID(c)
	if !ok {
		return
	}
	if err := s.desk.Block(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, leadResponse{ID: id, Status: "blocked"})
}

func (s *Server) unblock(c *gin.Context) {
	id, ok := leadID(c)
	if !ok {
		return
	}
	if err := s.desk.Unblock(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, leadResponse{ID: id, Status: "active"})
}

func (s *Server) command(c *gin.Context) {
	id, ok := leadID(c)
	if !ok {
		return
	}
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
		return
	}
	reply, err := s.desk.HandleCommand(c.Request.Context(), id, req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, leadResponse{ID: id, Reply: reply})
}
