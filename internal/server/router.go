package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bodegapos/backend/internal/auth"
	"github.com/bodegapos/backend/internal/compaction"
	"github.com/bodegapos/backend/internal/conflict"
	"github.com/bodegapos/backend/internal/ingest"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sessionContextKey = "bodega_device_session"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingIngestService = errors.New("ingest service dependency required")
	errMissingConflicts     = errors.New("conflict service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// DeviceTokenManager issues and validates device session tokens.
type DeviceTokenManager interface {
	IssueDeviceToken(ctx context.Context, session auth.DeviceSession) (string, int64, error)
	ValidateToken(token string) (auth.DeviceSession, error)
}

// SnapshotSource answers snapshot queries.
type SnapshotSource interface {
	Lookup(ctx context.Context, storeID, entityType, entityID string) (compaction.Snapshot, error)
}

// ProjectionGapCounter reports how many events still lack a projection.
type ProjectionGapCounter interface {
	CountGaps(ctx context.Context, storeID string) (int64, error)
}

// DriftCounter reports how many drifted snapshots the verifier has seen.
type DriftCounter interface {
	DriftCount() int64
}

// Dependencies wires the HTTP surface to the sync services.
type Dependencies struct {
	TokenManager  DeviceTokenManager
	EnrollmentKey string
	IngestService *ingest.Service
	Conflicts     *conflict.Service
	Snapshots     SnapshotSource
	Gaps          ProjectionGapCounter
	Drift         DriftCounter
	Logger        *zap.Logger
}

// NewHTTPHandler assembles the gin router for the sync daemon.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.IngestService == nil {
		return nil, errMissingIngestService
	}
	if deps.Conflicts == nil {
		return nil, errMissingConflicts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		enrollmentKey: deps.EnrollmentKey,
		ingestService: deps.IngestService,
		conflicts:     deps.Conflicts,
		snapshots:     deps.Snapshots,
		gaps:          deps.Gaps,
		drift:         deps.Drift,
		logger:        logger,
	}

	router.POST("/auth/device", handler.handleDeviceEnrollment)
	router.GET("/health/sync", handler.handleSyncHealth)

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.POST("/push", handler.handlePush)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/snapshot", handler.handleSnapshot)
	protected.POST("/conflicts/:conflict_id/resolve", handler.handleResolveConflict)

	return router, nil
}

type httpHandler struct {
	tokens        DeviceTokenManager
	enrollmentKey string
	ingestService *ingest.Service
	conflicts     *conflict.Service
	snapshots     SnapshotSource
	gaps          ProjectionGapCounter
	drift         DriftCounter
	logger        *zap.Logger
}

type enrollmentRequestPayload struct {
	StoreID       string `json:"store_id"`
	DeviceID      string `json:"device_id"`
	Role          string `json:"role"`
	EnrollmentKey string `json:"enrollment_key"`
}

type enrollmentResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDeviceEnrollment(c *gin.Context) {
	if h.enrollmentKey == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "enrollment_disabled"})
		return
	}

	var request enrollmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.StoreID) == "" || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.EnrollmentKey), []byte(h.enrollmentKey)) != 1 {
		h.logger.Warn("device enrollment rejected",
			zap.String("store_id", request.StoreID),
			zap.String("device_id", request.DeviceID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), auth.DeviceSession{
		DeviceID: request.DeviceID,
		StoreID:  request.StoreID,
		Role:     request.Role,
	})
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, enrollmentResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	session := h.sessionFrom(c)
	if session.DeviceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request ingest.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	// A device may only push as itself, into its own store. A relay
	// peer forwards on behalf of any device in the store it serves.
	if request.StoreID != session.StoreID ||
		(session.Role != "relay" && request.DeviceID != session.DeviceID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "identity_mismatch"})
		return
	}

	response, err := h.ingestService.Push(c.Request.Context(), request)
	if err != nil {
		h.logger.Error("push failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	session := h.sessionFrom(c)
	deviceID := c.Query("device_id")
	if deviceID == "" {
		deviceID = session.DeviceID
	}

	status, err := h.ingestService.Status(c.Request.Context(), session.StoreID, deviceID)
	if err != nil {
		h.logger.Error("status query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}

type snapshotResponsePayload struct {
	StoreID     string `json:"store_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Strategy    string `json:"strategy"`
	State       string `json:"state"`
	Version     int64  `json:"version"`
	VectorClock string `json:"vector_clock"`
	Hash        string `json:"hash"`
	EventCount  int64  `json:"event_count"`
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshots_unavailable"})
		return
	}
	session := h.sessionFrom(c)
	entityType := c.Query("entity_type")
	entityID := c.Query("entity_id")
	if entityType == "" || entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity_type and entity_id are required"})
		return
	}

	snapshot, err := h.snapshots.Lookup(c.Request.Context(), session.StoreID, entityType, entityID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("snapshot query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshotResponsePayload{
		StoreID:     snapshot.StoreID,
		EntityType:  snapshot.EntityType,
		EntityID:    snapshot.EntityID,
		Strategy:    snapshot.Strategy,
		State:       snapshot.StateJSON,
		Version:     snapshot.Version,
		VectorClock: snapshot.VectorClock,
		Hash:        snapshot.Hash,
		EventCount:  snapshot.EventCount,
	})
}

type resolveRequestPayload struct {
	Resolution  string `json:"resolution"`
	ActorUserID string `json:"actor_user_id"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	session := h.sessionFrom(c)
	// Manual adjudication is an owner decision.
	if session.Role != "owner" {
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_role_required"})
		return
	}

	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Resolution) == "" || strings.TrimSpace(request.ActorUserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.conflicts.ResolveManual(c.Request.Context(), c.Param("conflict_id"), request.Resolution, request.ActorUserID)
	if err != nil {
		switch {
		case errors.Is(err, conflict.ErrConflictNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conflict_not_found"})
		case errors.Is(err, conflict.ErrInvalidResolution):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
		default:
			h.logger.Error("manual resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conflict_id": outcome.ConflictID,
		"resolution":  outcome.Resolution,
	})
}

type healthResponsePayload struct {
	ProjectionGaps      int64 `json:"projection_gaps"`
	UnresolvedConflicts int64 `json:"unresolved_conflicts"`
	DriftCount          int64 `json:"drift_count"`
}

func (h *httpHandler) handleSyncHealth(c *gin.Context) {
	response := healthResponsePayload{}

	if h.gaps != nil {
		gaps, err := h.gaps.CountGaps(c.Request.Context(), "")
		if err != nil {
			h.logger.Error("gap count failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "health_failed"})
			return
		}
		response.ProjectionGaps = gaps
	}

	pending, err := h.conflicts.CountPending(c.Request.Context(), "")
	if err != nil {
		h.logger.Error("pending conflict count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health_failed"})
		return
	}
	response.UnresolvedConflicts = pending

	if h.drift != nil {
		response.DriftCount = h.drift.DriftCount()
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	session, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine device churn, not an attack signal.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, session)
	c.Next()
}

func (h *httpHandler) sessionFrom(c *gin.Context) auth.DeviceSession {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return auth.DeviceSession{}
	}
	session, ok := value.(auth.DeviceSession)
	if !ok {
		return auth.DeviceSession{}
	}
	return session
}
