package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/rbac"
	"call-signaling/internal/reporting"
	"call-signaling/internal/signaling"
	"call-signaling/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   *calls.Service
	Reports *reporting.Service
	Hub     *signaling.Hub
	Audit   *audit.Service

	// PollInterval is advertised on session responses as the client reconcile interval.
	PollInterval time.Duration

	// DevLogin enables POST /auth/token for local and dev environments.
	DevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair without checking credentials.
//
// NOTE: local/dev only. Real deployments get tokens from the account service.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found", "code": CodeNotFound})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		badRequest(c, "userId required")
		return
	}
	if req.Role == "" {
		req.Role = rbac.RoleUser
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed", "code": CodeInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": pair.AccessToken, "refreshToken": pair.RefreshToken})
}

// --- Calls ---

type initiateRequest struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

type sessionRequest struct {
	CallSessionID string `json:"callSessionId"`
}

type endRequest struct {
	CallSessionID string `json:"callSessionId"`
	Reason        string `json:"reason"`
}

func currentUser(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user required", "code": "unauthenticated"})
		return "", false
	}
	return uid, true
}

func (h Handlers) Initiate(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if strings.TrimSpace(req.ReceiverID) == "" {
		badRequest(c, "receiverId required")
		return
	}
	ct, valid := calls.ParseCallType(req.CallType)
	if !valid {
		badRequest(c, "callType must be VOICE or VIDEO")
		return
	}
	s, err := h.Calls.Initiate(c.Request.Context(), uid, req.ReceiverID, ct)
	if err != nil {
		writeError(c, err)
		return
	}
	h.advertisePoll(c)
	c.JSON(http.StatusCreated, s)
}

// sessionAction binds {callSessionId} and runs fn for the current user.
func (h Handlers) sessionAction(fn func(c *gin.Context, userID, sessionID string) (calls.Session, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := currentUser(c)
		if !ok {
			return
		}
		var req sessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json")
			return
		}
		if strings.TrimSpace(req.CallSessionID) == "" {
			badRequest(c, "callSessionId required")
			return
		}
		s, err := fn(c, uid, req.CallSessionID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func (h Handlers) Accept() gin.HandlerFunc {
	return h.sessionAction(func(c *gin.Context, uid, id string) (calls.Session, error) {
		return h.Calls.Accept(c.Request.Context(), uid, id)
	})
}

func (h Handlers) Reject() gin.HandlerFunc {
	return h.sessionAction(func(c *gin.Context, uid, id string) (calls.Session, error) {
		return h.Calls.Reject(c.Request.Context(), uid, id)
	})
}

func (h Handlers) Cancel() gin.HandlerFunc {
	return h.sessionAction(func(c *gin.Context, uid, id string) (calls.Session, error) {
		return h.Calls.Cancel(c.Request.Context(), uid, id)
	})
}

func (h Handlers) End(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if strings.TrimSpace(req.CallSessionID) == "" {
		badRequest(c, "callSessionId required")
		return
	}
	reason, valid := calls.ParseEndReason(req.Reason)
	if !valid {
		badRequest(c, "reason must be NORMAL or NETWORK_ERROR")
		return
	}
	s, err := h.Calls.End(c.Request.Context(), uid, req.CallSessionID, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) Status(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	s, err := h.Calls.Status(c.Request.Context(), uid, c.Param("callSessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.advertisePoll(c)
	c.JSON(http.StatusOK, s)
}

func (h Handlers) History(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	page, err1 := queryInt(c, "page", 1)
	size, err2 := queryInt(c, "size", 0)
	if err1 != nil || err2 != nil {
		badRequest(c, "page and size must be integers")
		return
	}
	out, err := h.Calls.History(c.Request.Context(), uid, calls.Page{Page: page, Size: size})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) Missed(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	out, err := h.Calls.Missed(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (h Handlers) Active(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	out, err := h.Calls.Active(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

const defaultStatsWindow = 30 * 24 * time.Hour

func (h Handlers) Stats(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reporting not configured", "code": CodeUpstreamUnavailable})
		return
	}
	to := time.Now().UTC()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "to must be RFC3339")
			return
		}
		to = t
	}
	from := to.Add(-defaultStatsWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "from must be RFC3339")
			return
		}
		from = t
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		UserID: uid,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		badRequest(c, "invalid range")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Signal upgrades to the per-user WebSocket channel.
func (h Handlers) Signal(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	if h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "signaling not configured", "code": CodeUpstreamUnavailable})
		return
	}
	// The upgrader writes its own error response.
	if err := h.Hub.Serve(c.Writer, c.Request, uid); err != nil {
		logger.FromGin(c).Debug("signal upgrade failed", "err", err)
	}
}

// --- Admin ---

type adminFailRequest struct {
	Reason string `json:"reason"`
}

// AdminFail forces a live session to FAILED, e.g. after a media server outage.
// RBAC: admin or system.
func (h Handlers) AdminFail(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	role, _ := auth.Role(c.Request.Context())

	var req adminFailRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json")
			return
		}
	}
	reason, valid := calls.ParseEndReason(req.Reason)
	if !valid {
		badRequest(c, "reason must be NORMAL or NETWORK_ERROR")
		return
	}
	if req.Reason == "" {
		reason = calls.EndReasonNetworkError
	}

	id := c.Param("callSessionId")
	s, err := h.Calls.Fail(c.Request.Context(), id, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogAdminAction(c.Request.Context(), uid, role, c.ClientIP(), "forced call failure", s.ID, ""); err != nil {
			logger.FromGin(c).Warn("audit admin action failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, s)
}

// HeaderPollInterval carries the server's suggested status poll interval in milliseconds.
const HeaderPollInterval = "X-Poll-Interval-Ms"

func (h Handlers) advertisePoll(c *gin.Context) {
	if h.PollInterval > 0 {
		c.Header(HeaderPollInterval, strconv.FormatInt(h.PollInterval.Milliseconds(), 10))
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
