package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/pricing"
	"call-signaling/internal/rbac"
	"call-signaling/internal/reporting"
	"call-signaling/internal/signaling"
)

type fixture struct {
	engine *gin.Engine
	auth   *auth.Manager
	calls  *calls.Service
	prices *pricing.MemoryRepo
	hub    *signaling.Hub
	audit  *audit.MemoryRepo
}

func newFixture(t *testing.T, ringWindow time.Duration) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	store := calls.NewMemoryStore()
	prices := pricing.NewMemoryRepo(
		pricing.Prices{CalleeID: "bob", VoiceEnabled: true, VideoEnabled: false},
		pricing.Prices{CalleeID: "carol", VoiceEnabled: true, VideoEnabled: true},
		pricing.Prices{CalleeID: "alice", VoiceEnabled: true, VideoEnabled: true},
	)
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	hub := signaling.NewHub(signaling.HubOptions{})

	svc := calls.NewService(store, prices, calls.Options{
		Fanout:     calls.NewFanout(hub, nil),
		Recorder:   calls.AuditAdapter{Audit: auditSvc},
		RingWindow: ringWindow,
	})
	hub.SetHandler(SignalRouter{Calls: svc}.Handle)
	t.Cleanup(func() {
		svc.Shutdown()
		hub.Close()
	})

	h := Handlers{
		Auth:     m,
		Calls:    svc,
		Reports:  reporting.NewService(reporting.NewStoreRepo(store)),
		Hub:      hub,
		Audit:    auditSvc,
		DevLogin: true,

		PollInterval: 2 * time.Second,
	}
	r := gin.New()
	r.POST("/auth/token", h.Login)
	api := r.Group("/")
	api.Use(auth.RequireAccessToken(m))
	RegisterCallRoutes(api, h)

	return &fixture{engine: r, auth: m, calls: svc, prices: prices, hub: hub, audit: auditRepo}
}

func (f *fixture) token(t *testing.T, user, role string) string {
	t.Helper()
	pair, err := f.auth.IssuePair(time.Now(), user, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return pair.AccessToken
}

func (f *fixture) do(t *testing.T, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user, role))
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) initiate(t *testing.T, caller, callee string) calls.Session {
	t.Helper()
	w := f.do(t, http.MethodPost, "/call/initiate", caller, rbac.RoleUser, gin.H{"receiverId": callee})
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate %s->%s: expected 201, got %d: %s", caller, callee, w.Code, w.Body.String())
	}
	return decodeSession(t, w)
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) calls.Session {
	t.Helper()
	var s calls.Session
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode session: %v (%s)", err, w.Body.String())
	}
	return s
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return m
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	m := decodeError(t, w)
	if m["code"] != code {
		t.Fatalf("expected code %q, got %v", code, m["code"])
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRoutes_RequireToken(t *testing.T) {
	f := newFixture(t, time.Minute)
	w := f.do(t, http.MethodGet, "/call/history", "", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLogin_IssuesUsableToken(t *testing.T) {
	f := newFixture(t, time.Minute)
	w := f.do(t, http.MethodPost, "/auth/token", "", "", gin.H{"userId": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &out)

	claims, err := f.auth.Verify(out["accessToken"], auth.TokenTypeAccess, time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "alice" || claims.Role != rbac.RoleUser {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestInitiate_CreatesRingingSession(t *testing.T) {
	f := newFixture(t, time.Minute)
	w := f.do(t, http.MethodPost, "/call/initiate", "alice", rbac.RoleUser, gin.H{"receiverId": "bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(HeaderPollInterval); got != "2000" {
		t.Fatalf("expected poll interval header 2000, got %q", got)
	}
	s := decodeSession(t, w)

	if s.ID == "" || s.State != calls.StateRinging || s.CallType != calls.CallTypeVoice {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.CallerID != "alice" || s.CalleeID != "bob" {
		t.Fatalf("unexpected parties: %+v", s)
	}
}

func TestInitiate_ErrorMapping(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.initiate(t, "alice", "bob")

	cases := []struct {
		name   string
		body   gin.H
		status int
		code   string
	}{
		{"self call", gin.H{"receiverId": "alice"}, http.StatusBadRequest, CodeInvalidArgument},
		{"missing receiver", gin.H{}, http.StatusBadRequest, CodeInvalidArgument},
		{"bad call type", gin.H{"receiverId": "carol", "callType": "FAX"}, http.StatusBadRequest, CodeInvalidArgument},
		{"unknown callee", gin.H{"receiverId": "nobody"}, http.StatusNotFound, CodeCalleeNotFound},
		{"video disabled", gin.H{"receiverId": "bob", "callType": "VIDEO"}, http.StatusForbidden, CodeCallTypeDisabled},
		{"pair already ringing", gin.H{"receiverId": "bob"}, http.StatusConflict, CodeConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/call/initiate", "alice", rbac.RoleUser, tc.body)
			expectError(t, w, tc.status, tc.code)
		})
	}
}

func TestInitiate_PriceOracleDown(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.prices.Err = errors.New("profile service down")

	w := f.do(t, http.MethodPost, "/call/initiate", "alice", rbac.RoleUser, gin.H{"receiverId": "bob"})
	m := expectError(t, w, http.StatusServiceUnavailable, CodeUpstreamUnavailable)
	if strings.Contains(m["error"].(string), "profile service") {
		t.Fatalf("internal detail leaked: %v", m["error"])
	}
}

func TestAccept_OnlyCallee(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")

	w := f.do(t, http.MethodPost, "/call/accept", "alice", rbac.RoleUser, gin.H{"callSessionId": s.ID})
	expectError(t, w, http.StatusForbidden, CodeUnauthorized)

	w = f.do(t, http.MethodPost, "/call/accept", "bob", rbac.RoleUser, gin.H{"callSessionId": s.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decodeSession(t, w)
	if got.State != calls.StateAccepted || got.RespondedAt == nil {
		t.Fatalf("unexpected session after accept: %+v", got)
	}
}

func TestAccept_AfterCancelReportsCurrentState(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")

	w := f.do(t, http.MethodPost, "/call/cancel", "alice", rbac.RoleUser, gin.H{"callSessionId": s.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/call/accept", "bob", rbac.RoleUser, gin.H{"callSessionId": s.ID})
	m := expectError(t, w, http.StatusConflict, CodeInvalidTransition)
	if m["state"] != string(calls.StateCancelled) {
		t.Fatalf("expected state CANCELLED, got %v", m["state"])
	}
}

func TestReject_RepeatIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")

	first := decodeSession(t, f.do(t, http.MethodPost, "/call/reject", "bob", rbac.RoleUser, gin.H{"callSessionId": s.ID}))
	w := f.do(t, http.MethodPost, "/call/reject", "bob", rbac.RoleUser, gin.H{"callSessionId": s.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("repeat reject: expected 200, got %d", w.Code)
	}
	second := decodeSession(t, w)
	if first.State != calls.StateRejected || second.Version != first.Version {
		t.Fatalf("expected unchanged REJECTED session, got %+v then %+v", first, second)
	}
}

func TestEnd_ValidatesReasonAndEnds(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")
	f.do(t, http.MethodPost, "/call/accept", "bob", rbac.RoleUser, gin.H{"callSessionId": s.ID})

	w := f.do(t, http.MethodPost, "/call/end", "alice", rbac.RoleUser, gin.H{"callSessionId": s.ID, "reason": "BORED"})
	expectError(t, w, http.StatusBadRequest, CodeInvalidArgument)

	w = f.do(t, http.MethodPost, "/call/end", "alice", rbac.RoleUser, gin.H{"callSessionId": s.ID, "reason": "NETWORK_ERROR"})
	if w.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decodeSession(t, w)
	if got.State != calls.StateEnded || got.EndReason != calls.EndReasonNetworkError || got.EndedAt == nil {
		t.Fatalf("unexpected ended session: %+v", got)
	}
}

func TestStatus_PartiesOnly(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")

	w := f.do(t, http.MethodGet, "/call/status/"+s.ID, "bob", rbac.RoleUser, nil)
	if w.Code != http.StatusOK || decodeSession(t, w).State != calls.StateRinging {
		t.Fatalf("expected RINGING for callee, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/call/status/"+s.ID, "mallory", rbac.RoleUser, nil)
	expectError(t, w, http.StatusForbidden, CodeUnauthorized)

	w = f.do(t, http.MethodGet, "/call/status/missing", "bob", rbac.RoleUser, nil)
	expectError(t, w, http.StatusNotFound, CodeNotFound)
}

func TestRingTimeout_ShowsUpAsMissed(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	s := f.initiate(t, "alice", "bob")

	waitFor(t, func() bool {
		w := f.do(t, http.MethodGet, "/call/status/"+s.ID, "alice", rbac.RoleUser, nil)
		return decodeSession(t, w).State == calls.StateMissed
	})

	w := f.do(t, http.MethodGet, "/call/missed", "bob", rbac.RoleUser, nil)
	var out struct {
		Items []calls.Session `json:"items"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Items) != 1 || out.Items[0].ID != s.ID {
		t.Fatalf("expected missed call for callee, got %s", w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/call/missed", "alice", rbac.RoleUser, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Items) != 0 {
		t.Fatalf("caller should have no missed calls, got %d", len(out.Items))
	}
}

func TestHistory_Pages(t *testing.T) {
	f := newFixture(t, time.Minute)
	for _, callee := range []string{"bob", "carol"} {
		s := f.initiate(t, "alice", callee)
		f.do(t, http.MethodPost, "/call/cancel", "alice", rbac.RoleUser, gin.H{"callSessionId": s.ID})
	}

	w := f.do(t, http.MethodGet, "/call/history?page=1&size=1", "alice", rbac.RoleUser, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var page calls.HistoryPage
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 1 {
		t.Fatalf("expected 1 of 2 items, got %d of %d", len(page.Items), page.Total)
	}

	w = f.do(t, http.MethodGet, "/call/history?page=x", "alice", rbac.RoleUser, nil)
	expectError(t, w, http.StatusBadRequest, CodeInvalidArgument)
}

func TestActive_ListsLiveSessions(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")

	w := f.do(t, http.MethodGet, "/call/active", "bob", rbac.RoleUser, nil)
	var out struct {
		Items []calls.Session `json:"items"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Items) != 1 || out.Items[0].ID != s.ID {
		t.Fatalf("expected one active session, got %s", w.Body.String())
	}
}

func TestStats_SummarisesRange(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")
	f.do(t, http.MethodPost, "/call/reject", "bob", rbac.RoleUser, gin.H{"callSessionId": s.ID})

	w := f.do(t, http.MethodGet, "/call/stats", "bob", rbac.RoleUser, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sum reporting.CallsSummary
	_ = json.Unmarshal(w.Body.Bytes(), &sum)
	if sum.TotalCalls != 1 || sum.IncomingCalls != 1 || sum.RejectedCalls != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	w = f.do(t, http.MethodGet, "/call/stats?from=yesterday", "bob", rbac.RoleUser, nil)
	expectError(t, w, http.StatusBadRequest, CodeInvalidArgument)
}

func TestAdminFail_RequiresSystemRoleAndAudits(t *testing.T) {
	f := newFixture(t, time.Minute)
	s := f.initiate(t, "alice", "bob")
	path := "/admin/calls/" + s.ID + "/fail"

	w := f.do(t, http.MethodPost, path, "alice", rbac.RoleUser, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user role, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, path, "ops", rbac.RoleAdmin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decodeSession(t, w)
	if got.State != calls.StateFailed || got.EndReason != calls.EndReasonNetworkError {
		t.Fatalf("unexpected failed session: %+v", got)
	}

	var admin int
	for _, e := range f.audit.ForSession(s.ID) {
		if e.Type == audit.EventTypeAdminAction && e.ActorUserID == "ops" {
			admin++
		}
	}
	if admin != 1 {
		t.Fatalf("expected one admin audit event, got %d", admin)
	}
}

func dialSignal(t *testing.T, srv *httptest.Server, f *fixture, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/call/signal?token=" + f.token(t, user, rbac.RoleUser)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) signaling.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env signaling.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestSignal_InviteAndAcceptOverChannel(t *testing.T) {
	f := newFixture(t, time.Minute)
	srv := httptest.NewServer(f.engine)
	t.Cleanup(srv.Close)

	bob := dialSignal(t, srv, f, "bob")
	waitFor(t, func() bool { return f.hub.Online("bob") })

	s := f.initiate(t, "alice", "bob")
	invite := readEnvelope(t, bob)
	if invite.Type != signaling.TypeInvite || invite.SessionID != s.ID || invite.CallerID != "alice" {
		t.Fatalf("unexpected invite: %+v", invite)
	}

	if err := bob.WriteJSON(signaling.Envelope{Type: signaling.TypeAccept, SessionID: s.ID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readEnvelope(t, bob)
	if ack.Type != signaling.TypeAccept || ack.Status != string(calls.StateAccepted) {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	w := f.do(t, http.MethodGet, "/call/status/"+s.ID, "alice", rbac.RoleUser, nil)
	if decodeSession(t, w).State != calls.StateAccepted {
		t.Fatalf("expected ACCEPTED via REST, got %s", w.Body.String())
	}
}

func TestSignal_RejectedCommandCarriesState(t *testing.T) {
	f := newFixture(t, time.Minute)
	srv := httptest.NewServer(f.engine)
	t.Cleanup(srv.Close)

	s := f.initiate(t, "alice", "bob")
	alice := dialSignal(t, srv, f, "alice")
	waitFor(t, func() bool { return f.hub.Online("alice") })

	// Only the callee may accept.
	if err := alice.WriteJSON(signaling.Envelope{Type: signaling.TypeAccept, SessionID: s.ID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, alice)
	if env.Type != signaling.TypeError || env.Code != CodeUnauthorized {
		t.Fatalf("unexpected reply: %+v", env)
	}

	f.do(t, http.MethodPost, "/call/reject", "bob", rbac.RoleUser, gin.H{"callSessionId": s.ID})
	// alice hears the reject through the fanout.
	if env := readEnvelope(t, alice); env.Type != signaling.TypeReject {
		t.Fatalf("expected CALL_REJECT push, got %+v", env)
	}

	if err := alice.WriteJSON(signaling.Envelope{Type: signaling.TypeCancel, SessionID: s.ID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	env = readEnvelope(t, alice)
	if env.Type != signaling.TypeError || env.Code != CodeInvalidTransition || env.Status != string(calls.StateRejected) {
		t.Fatalf("unexpected reply: %+v", env)
	}
}
