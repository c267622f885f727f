package server

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CollabRoute is the websocket upgrade route for a document session.
const CollabRoute = "/v1/workspaces/:workspaceId/documents/:documentId/collab"

var (
	errMissingGateway  = errors.New("collaboration gateway dependency required")
	errMissingGatherer = errors.New("metrics gatherer dependency required")
)

// CollabGateway runs one collaboration socket per upgraded request.
type CollabGateway interface {
	Handle(w http.ResponseWriter, r *http.Request, workspaceID, documentID string)
	ActiveConnections() int
}

type Dependencies struct {
	Gateway        CollabGateway
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	InstanceID     string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Gatherer == nil {
		return nil, errMissingGatherer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		gateway:    deps.Gateway,
		instanceID: deps.InstanceID,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	router.GET(CollabRoute, handler.handleCollab)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	gateway    CollabGateway
	instanceID string
	logger     *zap.Logger
}

type healthResponsePayload struct {
	Status      string `json:"status"`
	InstanceID  string `json:"instance_id,omitempty"`
	Connections int    `json:"connections"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:      "ok",
		InstanceID:  h.instanceID,
		Connections: h.gateway.ActiveConnections(),
	})
}

func (h *httpHandler) handleCollab(c *gin.Context) {
	h.gateway.Handle(c.Writer, c.Request, c.Param("workspaceId"), c.Param("documentId"))
}
