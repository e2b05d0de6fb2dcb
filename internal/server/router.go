package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/silentpetals/internal/confessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	createdAtLayout = "2006-01-02T15:04:05.000Z07:00"
	unmatchedRoute  = "unmatched"

	errorInvalidMessageLength = "Invalid message length"
	errorInvalidRequestBody   = "Invalid request body"
	errorInvalidUserID        = "Invalid user id"
	errorConfessionNotFound   = "Confession not found"
	errorPostFailed           = "Failed to post confession"
	errorLikeFailed           = "Failed to update like"
)

var errMissingConfessionService = errors.New("confession service dependency required")

// ConfessionService is the behavior the HTTP layer needs from the confessions service.
type ConfessionService interface {
	ListConfessions(ctx context.Context, userID string) []confessions.ConfessionView
	CreateConfession(ctx context.Context, text string) (confessions.ConfessionView, error)
	LikeConfession(ctx context.Context, confessionID, userID string) (confessions.ConfessionView, error)
}

// MetricsRecorder observes served requests and exposes the collected metrics.
type MetricsRecorder interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

type Dependencies struct {
	ConfessionService ConfessionService
	Logger            *zap.Logger
	AllowedOrigins    []string
	// Metrics is optional; without it /metrics is not routed.
	Metrics MetricsRecorder
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.ConfessionService == nil {
		return nil, errMissingConfessionService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger, deps.Metrics))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		confessions: deps.ConfessionService,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.GET("/confessions", handler.handleListConfessions)
	api.POST("/confessions", handler.handleCreateConfession)
	api.POST("/confessions/:id/like", handler.handleLikeConfession)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	config.AllowAllOrigins = len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		if origin == "*" {
			config.AllowAllOrigins = true
		}
	}
	if !config.AllowAllOrigins {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger, recorder MetricsRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		if recorder != nil {
			recorder.ObserveRequest(c.Request.Method, route, status, elapsed)
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("client_ip", c.ClientIP()))
	}
}

type httpHandler struct {
	confessions ConfessionService
	logger      *zap.Logger
}

type confessionPayload struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	LikesCount int64  `json:"likes_count"`
	CreatedAt  string `json:"created_at"`
	HasLiked   bool   `json:"has_liked"`
}

type createConfessionRequestPayload struct {
	Message *string `json:"message"`
}

type likeRequestPayload struct {
	UserID string `json:"userId"`
}

func newConfessionPayload(view confessions.ConfessionView) confessionPayload {
	return confessionPayload{
		ID:         view.ID,
		Message:    view.Message,
		LikesCount: view.LikeCount,
		CreatedAt:  view.CreatedAt.UTC().Format(createdAtLayout),
		HasLiked:   view.HasLiked,
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListConfessions(c *gin.Context) {
	views := h.confessions.ListConfessions(c.Request.Context(), c.Query("userId"))
	response := make([]confessionPayload, 0, len(views))
	for _, view := range views {
		response = append(response, newConfessionPayload(view))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateConfession(c *gin.Context) {
	var request createConfessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequestBody})
		return
	}
	if request.Message == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidMessageLength})
		return
	}

	view, err := h.confessions.CreateConfession(c.Request.Context(), *request.Message)
	if err != nil {
		if errors.Is(err, confessions.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidMessageLength})
			return
		}
		h.logger.Error("failed to create confession", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorPostFailed})
		return
	}

	c.JSON(http.StatusCreated, newConfessionPayload(view))
}

func (h *httpHandler) handleLikeConfession(c *gin.Context) {
	var request likeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequestBody})
		return
	}

	view, err := h.confessions.LikeConfession(c.Request.Context(), c.Param("id"), request.UserID)
	if err != nil {
		switch {
		case errors.Is(err, confessions.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidUserID})
		case errors.Is(err, confessions.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": errorConfessionNotFound})
		default:
			h.logger.Error("failed to like confession", zap.String("confession_id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": errorLikeFailed})
		}
		return
	}

	c.JSON(http.StatusOK, newConfessionPayload(view))
}
