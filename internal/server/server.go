// Package server exposes the delivery subsystem over HTTP: message submission,
// broadcasts, status lookup, cancellation and adapter webhooks.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/inbound"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/registry"
	"github.com/haventree/carecomms/internal/tracker"
)

// Deliverer is the single-message entry point, satisfied by the orchestrator.
type Deliverer interface {
	Deliver(ctx context.Context, msg *models.Message) (*adapter.DeliveryResult, error)
	Cancel(ctx context.Context, messageID string) bool
	RefreshStatus(ctx context.Context, messageID, recipientKey string) (models.DeliveryStatus, error)
}

// Broadcaster fans a message out to many recipients, satisfied by the
// broadcast coordinator.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg *models.Message, recipients []models.Recipient) (*adapter.BroadcastResult, error)
}

// WebhookProcessor normalizes raw adapter webhook payloads.
type WebhookProcessor interface {
	Process(ctx context.Context, adapterID string, payload []byte) (*models.IncomingMessage, error)
}

// Config tunes the HTTP surface.
type Config struct {
	Port        int
	CORSOrigins []string
}

// Dependencies collects the server's collaborators.
type Dependencies struct {
	Deliverer   Deliverer
	Broadcaster Broadcaster
	Webhooks    WebhookProcessor
	Tracker     *tracker.Tracker
	Registry    *registry.Registry
	Logger      zerolog.Logger
}

// Server is the HTTP front of the delivery subsystem.
type Server struct {
	cfg    Config
	deps   Dependencies
	logger zerolog.Logger
	engine *gin.Engine
}

// New constructs the server and its route table.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Deliverer == nil {
		return nil, errors.New("server: deliverer dependency is required")
	}
	if deps.Broadcaster == nil {
		return nil, errors.New("server: broadcaster dependency is required")
	}
	if deps.Webhooks == nil {
		return nil, errors.New("server: webhook processor dependency is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("server: tracker dependency is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("server: registry dependency is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "http_server").Logger(),
	}
	s.engine = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	c := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) > 0 {
		c.AllowOrigins = s.cfg.CORSOrigins
	} else {
		c.AllowAllOrigins = true
	}
	c.AllowHeaders = []string{"Content-Type", "Authorization"}
	c.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	r.Use(cors.New(c))

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1")
	v1.POST("/messages", s.handleSendMessage)
	v1.GET("/messages/:message_id", s.handleMessageStatus)
	v1.DELETE("/messages/:message_id", s.handleCancelMessage)
	v1.POST("/broadcasts", s.handleBroadcast)
	v1.POST("/webhooks/:adapter_id", s.handleWebhook)

	return r
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}

type broadcastRequest struct {
	Message    models.Message     `json:"message" binding:"required"`
	Recipients []models.Recipient `json:"recipients" binding:"required,min=1"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}

	res, err := s.deps.Deliverer.Deliver(c.Request.Context(), &msg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	code := http.StatusOK
	if res.Scheduled {
		code = http.StatusAccepted
	}
	c.JSON(code, res)
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}

	res, err := s.deps.Broadcaster.Broadcast(c.Request.Context(), &req.Message, req.Recipients)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleMessageStatus(c *gin.Context) {
	messageID := c.Param("message_id")

	// refresh=true polls the sending adapter for the named recipient before
	// answering.
	if strings.EqualFold(c.Query("refresh"), "true") {
		recipient := c.Query("recipient")
		if recipient == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh requires a recipient query parameter"})
			return
		}
		status, err := s.deps.Deliverer.RefreshStatus(c.Request.Context(), messageID, recipient)
		if err != nil {
			if errors.Is(err, tracker.ErrUnknownMessage) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown message"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": messageID, "recipient_key": recipient, "status": status})
		return
	}

	records := s.deps.Tracker.RecordsForMessage(messageID)
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": messageID, "deliveries": records})
}

func (s *Server) handleCancelMessage(c *gin.Context) {
	messageID := c.Param("message_id")
	if s.deps.Deliverer.Cancel(c.Request.Context(), messageID) {
		c.JSON(http.StatusOK, gin.H{"message_id": messageID, "cancelled": true})
		return
	}
	// Already dispatched, already terminal or never seen: nothing to cancel.
	c.JSON(http.StatusConflict, gin.H{"message_id": messageID, "cancelled": false, "error": "message is not awaiting dispatch"})
}

func (s *Server) handleWebhook(c *gin.Context) {
	adapterID := c.Param("adapter_id")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	msg, err := s.deps.Webhooks.Process(c.Request.Context(), adapterID, payload)
	if err != nil {
		switch {
		case errors.Is(err, inbound.ErrParse):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, registry.ErrUnknownAdapter):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": msg.Kind, "id": msg.ID})
}

func (s *Server) handleHealth(c *gin.Context) {
	regs := s.deps.Registry.Registrations()
	adapters := make([]gin.H, 0, len(regs))
	healthy := true
	for _, reg := range regs {
		if reg.Health != models.HealthHealthy {
			healthy = false
		}
		adapters = append(adapters, gin.H{
			"adapter_id":        reg.AdapterID,
			"channel":           reg.ChannelType,
			"health":            reg.Health,
			"last_health_check": reg.LastHealthCheck,
		})
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "adapters": adapters})
}
