package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khatahub/khata/backend/internal/auth"
	"github.com/khatahub/khata/backend/internal/sync"
	"go.uber.org/zap"
)

const (
	businessIDContextKey = "khata_business_id"
	deviceIDContextKey   = "khata_device_id"

	requestIDHeader = "X-Request-ID"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenIssuer      = errors.New("token issuer dependency required")
	errMissingSyncService      = errors.New("sync service dependency required")
	errMissingRegistry         = errors.New("device registry dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

var knownDeviceTypes = map[string]struct{}{
	"":        {},
	"android": {},
	"ios":     {},
	"web":     {},
}

// Dependencies wires the HTTP layer to the engine.
type Dependencies struct {
	SessionValidator *auth.SessionValidator
	TokenIssuer      *auth.TokenIssuer
	SyncService      *sync.Service
	Registry         *sync.Registry
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions: deps.SessionValidator,
		tokens:   deps.TokenIssuer,
		service:  deps.SyncService,
		registry: deps.Registry,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealthz)

	synced := router.Group("/v1/sync")
	synced.Use(handler.authorizeDevice)
	synced.POST("/pull", handler.handlePull)
	synced.POST("/push", handler.handlePush)
	synced.GET("/status", handler.handleStatus)

	devices := router.Group("/v1/devices")
	devices.Use(handler.authorizeOwner)
	devices.GET("/pairing-token", handler.handleIssuePairingToken)
	devices.POST("/pair", handler.handlePairDevice)
	devices.GET("", handler.handleListDevices)
	devices.POST("/:device_id/revoke", handler.handleRevokeDevice)

	return router, nil
}

type httpHandler struct {
	sessions *auth.SessionValidator
	tokens   *auth.TokenIssuer
	service  *sync.Service
	registry *sync.Registry
	logger   *zap.Logger
}

// requestID tags every response with a correlation id, honoring one supplied
// by the caller.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeDevice validates the device access token minted at pairing time
// and stows the (business, device) identity pair in the request context. The
// engine never reads either identifier from a request body.
func (h *httpHandler) authorizeDevice(c *gin.Context) {
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
	businessID, deviceID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("device token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(businessIDContextKey, businessID)
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}

// authorizeOwner validates the business owner's session for the
// device-management endpoints.
func (h *httpHandler) authorizeOwner(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("owner session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(businessIDContextKey, claims.Business())
	c.Next()
}

func (h *httpHandler) requestIdentity(c *gin.Context) (sync.BusinessID, sync.DeviceID, bool) {
	businessID, err := sync.NewBusinessID(c.GetString(businessIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	deviceID, err := sync.NewDeviceID(c.GetString(deviceIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return businessID, deviceID, true
}

func (h *httpHandler) requestBusiness(c *gin.Context) (sync.BusinessID, bool) {
	businessID, err := sync.NewBusinessID(c.GetString(businessIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return businessID, true
}

type pullRequestPayload struct {
	Cursor      string   `json:"cursor"`
	EntityTypes []string `json:"entity_types"`
	Limit       int      `json:"limit"`
}

type changePayload struct {
	ChangeID          int64           `json:"change_id"`
	EntityType        string          `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	Action            string          `json:"action"`
	Data              json.RawMessage `json:"data,omitempty"`
	OriginDeviceID    *string         `json:"origin_device_id,omitempty"`
	ServerCommittedAt time.Time       `json:"server_committed_at"`
}

type pullResponsePayload struct {
	Changes    []changePayload `json:"changes"`
	NextCursor string          `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
	TotalCount int             `json:"total_count"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	businessID, deviceID, ok := h.requestIdentity(c)
	if !ok {
		return
	}

	var request pullRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entityTypes := make([]sync.EntityType, 0, len(request.EntityTypes))
	for _, raw := range request.EntityTypes {
		entityType, err := sync.ParseEntityType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_entity_type"})
			return
		}
		entityTypes = append(entityTypes, entityType)
	}

	result, err := h.service.Pull(c.Request.Context(), businessID, deviceID, request.Cursor, entityTypes, request.Limit)
	if err != nil {
		h.respondSyncError(c, "pull failed", err)
		return
	}

	response := pullResponsePayload{
		Changes:    make([]changePayload, 0, len(result.Changes)),
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
		TotalCount: result.TotalCount,
	}
	for _, entry := range result.Changes {
		response.Changes = append(response.Changes, changePayload{
			ChangeID:          entry.ChangeID,
			EntityType:        string(entry.EntityType),
			EntityID:          entry.EntityID,
			Action:            string(entry.Action),
			Data:              json.RawMessage(entry.Data),
			OriginDeviceID:    entry.OriginDeviceID,
			ServerCommittedAt: entry.ServerCommittedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

type pushChangePayload struct {
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Action          string          `json:"action"`
	Data            json.RawMessage `json:"data,omitempty"`
	ClientUpdatedAt time.Time       `json:"client_updated_at"`
}

type pushRequestPayload struct {
	Changes []pushChangePayload `json:"changes"`
}

type conflictPayload struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	ClientData json.RawMessage `json:"client_data,omitempty"`
	ServerData json.RawMessage `json:"server_data,omitempty"`
	Resolution string          `json:"resolution"`
	ChangeID   int64           `json:"change_id"`
}

type rejectedPayload struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

type pushResponsePayload struct {
	Accepted   []string          `json:"accepted"`
	Conflicts  []conflictPayload `json:"conflicts"`
	Rejected   []rejectedPayload `json:"rejected"`
	NextCursor string            `json:"next_cursor"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	businessID, deviceID, ok := h.requestIdentity(c)
	if !ok {
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	changes := make([]sync.RawChange, 0, len(request.Changes))
	for _, change := range request.Changes {
		changes = append(changes, sync.RawChange{
			EntityType:      change.EntityType,
			EntityID:        change.EntityID,
			Action:          change.Action,
			Data:            change.Data,
			ClientUpdatedAt: change.ClientUpdatedAt,
		})
	}

	result, err := h.service.Push(c.Request.Context(), businessID, deviceID, changes)
	if err != nil {
		h.respondSyncError(c, "push failed", err)
		return
	}

	response := pushResponsePayload{
		Accepted:   result.Accepted,
		Conflicts:  make([]conflictPayload, 0, len(result.Conflicts)),
		Rejected:   make([]rejectedPayload, 0, len(result.Rejected)),
		NextCursor: result.NextCursor,
	}
	if response.Accepted == nil {
		response.Accepted = []string{}
	}
	for _, conflict := range result.Conflicts {
		response.Conflicts = append(response.Conflicts, conflictPayload{
			EntityType: string(conflict.EntityType),
			EntityID:   conflict.EntityID,
			Action:     string(conflict.Action),
			ClientData: conflict.ClientData,
			ServerData: conflict.ServerData,
			Resolution: string(conflict.Resolution),
			ChangeID:   conflict.ChangeID,
		})
	}
	for _, rejected := range result.Rejected {
		response.Rejected = append(response.Rejected, rejectedPayload{
			EntityType: rejected.EntityType,
			EntityID:   rejected.EntityID,
			Reason:     rejected.Reason,
		})
	}
	c.JSON(http.StatusOK, response)
}

type statusResponsePayload struct {
	LastSyncAt          *time.Time `json:"last_sync_at"`
	SyncCursor          string     `json:"sync_cursor"`
	PendingChangesCount int64      `json:"pending_changes_count"`
	DeviceID            string     `json:"device_id"`
	IsActive            bool       `json:"is_active"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	businessID, deviceID, ok := h.requestIdentity(c)
	if !ok {
		return
	}

	status, err := h.service.Status(c.Request.Context(), businessID, deviceID)
	if err != nil {
		h.respondSyncError(c, "status failed", err)
		return
	}

	c.JSON(http.StatusOK, statusResponsePayload{
		LastSyncAt:          status.LastSyncAt,
		SyncCursor:          status.SyncCursor,
		PendingChangesCount: status.PendingChangesCount,
		DeviceID:            status.DeviceID,
		IsActive:            status.IsActive,
	})
}

type pairingTokenResponsePayload struct {
	PairingToken string    `json:"pairing_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (h *httpHandler) handleIssuePairingToken(c *gin.Context) {
	businessID, ok := h.requestBusiness(c)
	if !ok {
		return
	}

	token, err := h.registry.IssuePairingToken(c.Request.Context(), businessID)
	if err != nil {
		h.respondSyncError(c, "pairing token issue failed", err)
		return
	}

	c.JSON(http.StatusOK, pairingTokenResponsePayload{
		PairingToken: token.Token,
		ExpiresAt:    token.ExpiresAt,
	})
}

type pairRequestPayload struct {
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	DeviceType   string `json:"device_type"`
	PairingToken string `json:"pairing_token"`
}

type devicePayload struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType string     `json:"device_type"`
	IsActive   bool       `json:"is_active"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

type pairResponsePayload struct {
	Device      devicePayload `json:"device"`
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
}

func (h *httpHandler) handlePairDevice(c *gin.Context) {
	businessID, ok := h.requestBusiness(c)
	if !ok {
		return
	}

	var request pairRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PairingToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deviceID, err := sync.NewDeviceID(request.DeviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	if _, ok := knownDeviceTypes[strings.ToLower(strings.TrimSpace(request.DeviceType))]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_type"})
		return
	}

	device, err := h.registry.PairDevice(c.Request.Context(), businessID, deviceID,
		strings.TrimSpace(request.DeviceName), strings.ToLower(strings.TrimSpace(request.DeviceType)), request.PairingToken)
	if err != nil {
		h.respondSyncError(c, "pair device failed", err)
		return
	}

	accessToken, expiresIn, err := h.tokens.IssueDeviceToken(businessID.String(), deviceID.String())
	if err != nil {
		h.logger.Error("device token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusCreated, pairResponsePayload{
		Device:      toDevicePayload(device),
		AccessToken: accessToken,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	businessID, ok := h.requestBusiness(c)
	if !ok {
		return
	}

	devices, err := h.registry.ListDevices(c.Request.Context(), businessID)
	if err != nil {
		h.respondSyncError(c, "list devices failed", err)
		return
	}

	response := make([]devicePayload, 0, len(devices))
	for _, device := range devices {
		response = append(response, toDevicePayload(device))
	}
	c.JSON(http.StatusOK, gin.H{"devices": response})
}

func (h *httpHandler) handleRevokeDevice(c *gin.Context) {
	businessID, ok := h.requestBusiness(c)
	if !ok {
		return
	}

	deviceID, err := sync.NewDeviceID(c.Param("device_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}

	if err := h.registry.RevokeDevice(c.Request.Context(), businessID, deviceID); err != nil {
		h.respondSyncError(c, "revoke device failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func toDevicePayload(device sync.Device) devicePayload {
	return devicePayload{
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		DeviceType: device.DeviceType,
		IsActive:   device.IsActive,
		LastSyncAt: device.LastSyncAt,
		CreatedAt:  device.CreatedAt,
	}
}

// respondSyncError maps the engine's error taxonomy onto HTTP statuses with
// stable error codes.
func (h *httpHandler) respondSyncError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, sync.ErrDeviceUnknown):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "device_unknown"})
	case errors.Is(err, sync.ErrDeviceRevoked):
		c.JSON(http.StatusForbidden, gin.H{"error": "device_revoked"})
	case errors.Is(err, sync.ErrDeviceLimitReached):
		c.JSON(http.StatusConflict, gin.H{"error": "device_limit_reached"})
	case errors.Is(err, sync.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token_invalid"})
	case errors.Is(err, sync.ErrTokenExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token_expired"})
	case errors.Is(err, sync.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
	case errors.Is(err, sync.ErrMalformedChange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_change"})
	default:
		h.logger.Error(message, zap.Error(err))
		var serviceErr *sync.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErr.Code()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
