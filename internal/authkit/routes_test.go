package authkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type authFixture struct {
	configuration ServerConfig
	clock         *manualClock
	codec         *TokenCodec
	users         *MemoryUserStore
	records       *MemoryRefreshRecordStore
	metrics       *CounterMetrics
	router        *gin.Engine
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := newManualClock(time.Now())
	configuration := newTestConfig(t)
	codec := newTestCodec(t, configuration, clock)
	hasher := newTestHasher(t)
	users := NewMemoryUserStore()
	records := NewMemoryRefreshRecordStore(hasher, clock)
	metrics := NewCounterMetrics()
	rotator := NewRotator(codec, records, zaptest.NewLogger(t), metrics)

	router := gin.New()
	router.Use(WithSession(configuration, codec, rotator, metrics))
	MountAuthRoutes(router, configuration, AuthDeps{
		Users:   users,
		Hasher:  hasher,
		Codec:   codec,
		Records: records,
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics,
	})

	return &authFixture{
		configuration: configuration,
		clock:         clock,
		codec:         codec,
		users:         users,
		records:       records,
		metrics:       metrics,
		router:        router,
	}
}

func (fixture *authFixture) post(t *testing.T, path string, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *authFixture) register(t *testing.T, nickname string, password string) *httptest.ResponseRecorder {
	t.Helper()
	return fixture.post(t, "/auth/register",
		`{"nickname":"`+nickname+`","display_name":"`+strings.ToUpper(nickname)+`","password":"`+password+`"}`)
}

func TestRegisterCreatesSession(t *testing.T) {
	fixture := newAuthFixture(t)

	recorder := fixture.register(t, "alice", "pw123")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		ID          int64  `json:"id"`
		Nickname    string `json:"nickname"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Nickname != "alice" || payload.ID == 0 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	responseCookies := recorder.Result().Cookies()
	accessCookie := cookieByName(responseCookies, fixture.configuration.AccessCookieName)
	refreshCookie := cookieByName(responseCookies, fixture.configuration.RefreshCookieName)
	if accessCookie == nil || refreshCookie == nil {
		t.Fatalf("expected session cookies on registration, got %v", responseCookies)
	}
	if !refreshCookie.HttpOnly {
		t.Fatalf("expected refresh cookie to be HttpOnly")
	}
	if fixture.records.Len() != 1 {
		t.Fatalf("expected one refresh record after registration, got %d", fixture.records.Len())
	}
}

func TestRegisterRejectsDuplicateNickname(t *testing.T) {
	fixture := newAuthFixture(t)

	if recorder := fixture.register(t, "alice", "pw123"); recorder.Code != http.StatusOK {
		t.Fatalf("first registration failed: %d", recorder.Code)
	}
	recorder := fixture.register(t, "alice", "other-password")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate nickname, got %d", recorder.Code)
	}
}

func TestRegisterRejectsMalformedBody(t *testing.T) {
	fixture := newAuthFixture(t)

	cases := []string{
		`not json`,
		`{"nickname":"","password":"pw"}`,
		`{"nickname":"alice","password":""}`,
		`{"nickname":"   ","password":"pw"}`,
	}
	for _, body := range cases {
		if recorder := fixture.post(t, "/auth/register", body); recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, recorder.Code)
		}
	}
}

func TestLoginSucceedsWithCorrectPassword(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.register(t, "alice", "pw123")

	recorder := fixture.post(t, "/auth/login", `{"nickname":"alice","password":"pw123"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if cookieByName(recorder.Result().Cookies(), fixture.configuration.RefreshCookieName) == nil {
		t.Fatalf("expected a refresh cookie on login")
	}
	if fixture.metrics.Count(MetricLoginSuccess) != 1 {
		t.Fatalf("expected one login success, got %d", fixture.metrics.Count(MetricLoginSuccess))
	}
}

func TestLoginCollapsesUnknownUserAndWrongPassword(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.register(t, "alice", "pw123")

	wrongPassword := fixture.post(t, "/auth/login", `{"nickname":"alice","password":"wrong"}`)
	unknownUser := fixture.post(t, "/auth/login", `{"nickname":"nobody","password":"pw123"}`)

	for _, recorder := range []*httptest.ResponseRecorder{wrongPassword, unknownUser} {
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", recorder.Code)
		}
		if body := recorder.Body.String(); !strings.Contains(body, "invalid_credentials") {
			t.Fatalf("expected uniform error body, got %q", body)
		}
		if len(recorder.Result().Cookies()) != 0 {
			t.Fatalf("expected no cookies on failed login")
		}
	}
	if fixture.metrics.Count(MetricLoginFailure) != 2 {
		t.Fatalf("expected two login failures, got %d", fixture.metrics.Count(MetricLoginFailure))
	}
}

func TestSessionEndpointReflectsIdentity(t *testing.T) {
	fixture := newAuthFixture(t)
	registration := fixture.register(t, "alice", "pw123")
	accessCookie := cookieByName(registration.Result().Cookies(), fixture.configuration.AccessCookieName)
	if accessCookie == nil {
		t.Fatalf("expected access cookie from registration")
	}

	request := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	request.AddCookie(accessCookie)
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Subject string `json:"subject"`
		Role    string `json:"role"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Subject == "" || payload.Role != "user" {
		t.Fatalf("unexpected session payload %+v", payload)
	}

	anonymous := httptest.NewRecorder()
	fixture.router.ServeHTTP(anonymous, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous session lookup, got %d", anonymous.Code)
	}
}

func TestLogoutRetiresRefreshRecordAndClearsCookies(t *testing.T) {
	fixture := newAuthFixture(t)
	registration := fixture.register(t, "alice", "pw123")
	accessCookie := cookieByName(registration.Result().Cookies(), fixture.configuration.AccessCookieName)
	refreshCookie := cookieByName(registration.Result().Cookies(), fixture.configuration.RefreshCookieName)
	if accessCookie == nil || refreshCookie == nil {
		t.Fatalf("expected session cookies from registration")
	}

	logout := fixture.post(t, "/auth/logout", "", accessCookie, refreshCookie)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", logout.Code)
	}
	for _, name := range []string{fixture.configuration.AccessCookieName, fixture.configuration.RefreshCookieName} {
		cleared := cookieByName(logout.Result().Cookies(), name)
		if cleared == nil || cleared.Value != "" || cleared.MaxAge >= 0 {
			t.Fatalf("expected %s cookie to be cleared, got %+v", name, cleared)
		}
	}
	if fixture.records.Len() != 0 {
		t.Fatalf("expected refresh record to be retired, got %d", fixture.records.Len())
	}

	// The retired token can no longer renew a session.
	request := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	request.AddCookie(refreshCookie)
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected retired token to stay anonymous, got %d", recorder.Code)
	}
}

func TestLogoutAfterSilentRenewalLeavesNoLiveRecord(t *testing.T) {
	fixture := newAuthFixture(t)
	registration := fixture.register(t, "alice", "pw123")
	refreshCookie := cookieByName(registration.Result().Cookies(), fixture.configuration.RefreshCookieName)
	if refreshCookie == nil {
		t.Fatalf("expected refresh cookie from registration")
	}

	// No access cookie: the session middleware rotates the refresh token on
	// the way into the logout handler.
	logout := fixture.post(t, "/auth/logout", "", refreshCookie)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", logout.Code)
	}
	if fixture.records.Len() != 0 {
		t.Fatalf("expected no live refresh records after logout, got %d", fixture.records.Len())
	}
}

func TestLogoutWithoutCookiesIsIdempotent(t *testing.T) {
	fixture := newAuthFixture(t)

	recorder := fixture.post(t, "/auth/logout", "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for cookie-less logout, got %d", recorder.Code)
	}
}
