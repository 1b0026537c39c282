package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/kiteexec/pkg/engine"
	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Server struct {
	engine    *engine.Engine
	logger    *logrus.Logger
	port      int
	jwtSecret []byte
	router    *gin.Engine
}

func NewServer(eng *engine.Engine, logger *logrus.Logger, port int, jwtSecret string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: eng,
		logger: logger,
		port:   port,
	}
	if jwtSecret != "" {
		s.jwtSecret = []byte(jwtSecret)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	r.GET("/api/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", s.authMiddleware())
	{
		api.GET("/orders", s.handleListOrders)
		api.GET("/orders/:id", s.handleGetOrder)
		api.POST("/orders", s.handlePlaceOrder)
		api.PATCH("/orders/:id", s.handleModifyOrder)
		api.DELETE("/orders/:id", s.handleCancelOrder)
		api.POST("/cancel", s.handleBulkCancel)

		api.GET("/jobs", s.handleListJobs)
		api.POST("/jobs", s.handleStartJob)
		api.GET("/jobs/:id", s.handleGetJob)
		api.DELETE("/jobs/:id", s.handleCancelJob)

		api.GET("/triggers", s.handleListTriggers)
		api.POST("/triggers", s.handleCreateTrigger)
		api.DELETE("/triggers/:id", s.handleDeleteTrigger)

		api.POST("/reconcile", s.handleReconcile)
		api.GET("/limits", s.handleLimits)
		api.GET("/history", s.handleHistory)
	}
	return r
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %d", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down API server")
		return srv.Shutdown(shutdownCtx)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("API request")
	}
}

// authMiddleware requires an HS256 bearer token signed with the configured
// secret. With no secret configured the API is open.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.jwtSecret == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			s.logger.WithError(err).Warn("Rejected API token")
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
			c.Set("subject", sub)
		}
		c.Next()
	}
}

// IssueToken signs a token the API will accept for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidParams), errors.Is(err, models.ErrInvalidPredicate):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrProtectedOrderGuard), errors.Is(err, models.ErrOrderClosed):
		return http.StatusConflict
	case errors.Is(err, models.ErrCapExceeded), errors.Is(err, models.ErrBrokerRejection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrRateLimitTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrTransient):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("API request failed")
	}
	abort(c, status, err.Error())
}
