package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backstage/api/internal/clock"
	"backstage/api/internal/store"
)

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestSignUpCreatesPendingAccountThatCannotSignIn(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs, nil), "*", nil, nil).Handler()

	rr, payload := doJSON(t, h, http.MethodPost, "/api/auth/signup", "",
		`{"email":"Stage.Hand@Theatre.test","password":"curtain-call","displayName":"Sam"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["status"] != store.StatusPending {
		t.Fatalf("expected pending status, got %v", payload["status"])
	}

	rr, payload = doJSON(t, h, http.MethodPost, "/api/auth/signin", "",
		`{"email":"stage.hand@theatre.test","password":"curtain-call"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "PENDING_APPROVAL" {
		t.Fatalf("expected PENDING_APPROVAL, got %v", payload["code"])
	}
}

func TestSignInWithWrongPasswordDoesNotRevealStatus(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs, nil), "*", nil, nil).Handler()

	doJSON(t, h, http.MethodPost, "/api/auth/signup", "",
		`{"email":"pending@theatre.test","password":"curtain-call","displayName":"Pat"}`)
	rr, payload := doJSON(t, h, http.MethodPost, "/api/auth/signin", "",
		`{"email":"pending@theatre.test","password":"wrong-password"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", payload["code"])
	}
}

func TestBootstrapAdminApprovesPendingUser(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs, nil), "*", nil, nil).Handler()

	rr, _ := doJSON(t, h, http.MethodPost, "/api/auth/signup", "",
		`{"email":"admin@theatre.test","password":"house-lights","displayName":"Alex"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin signup: %d %s", rr.Code, rr.Body.String())
	}
	rr, session := doJSON(t, h, http.MethodPost, "/api/auth/signin", "",
		`{"email":"admin@theatre.test","password":"house-lights"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin signin: %d %s", rr.Code, rr.Body.String())
	}
	if session["role"] != store.RoleAdmin {
		t.Fatalf("expected admin role, got %v", session["role"])
	}
	adminToken, _ := session["accessToken"].(string)

	_, created := doJSON(t, h, http.MethodPost, "/api/auth/signup", "",
		`{"email":"crew@theatre.test","password":"curtain-call","displayName":"Chris"}`)
	userID, _ := created["userId"].(string)

	rr, pending := doJSON(t, h, http.MethodGet, "/api/users/pending", adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pending: %d %s", rr.Code, rr.Body.String())
	}
	if users, _ := pending["users"].([]any); len(users) != 1 {
		t.Fatalf("expected one pending user, got %v", pending["users"])
	}

	rr, _ = doJSON(t, h, http.MethodPost, "/api/users/"+userID+"/approve", adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rr.Code, rr.Body.String())
	}
	rr, _ = doJSON(t, h, http.MethodPost, "/api/auth/signin", "",
		`{"email":"crew@theatre.test","password":"curtain-call"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected approved user to sign in, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestUserRoleCannotListPendingUsers(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	token := addUser(t, svc, fs, "u1", store.RoleUser)
	h := NewHTTPServer(svc, "*", nil, nil).Handler()

	rr, payload := doJSON(t, h, http.MethodGet, "/api/users/pending", token, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", payload["code"])
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore(), nil), "*", nil, nil).Handler()

	rr, payload := doJSON(t, h, http.MethodGet, "/api/locations", "", "")
	assertUnauthorized(t, rr, payload)

	rr, payload = doJSON(t, h, http.MethodGet, "/api/locations", "definitely-not-a-token", "")
	assertUnauthorized(t, rr, payload)
}

func TestExpiredAccessTokenIsRejected(t *testing.T) {
	fs := newFakeStore()
	clk := clock.Fake(testStart)
	svc := newTestService(fs, clk)
	token := addUser(t, svc, fs, "u1", store.RoleUser)
	h := NewHTTPServer(svc, "*", nil, nil).Handler()

	rr, _ := doJSON(t, h, http.MethodGet, "/api/locations", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected fresh token to work, got %d %s", rr.Code, rr.Body.String())
	}

	clk.Advance(16 * time.Minute)
	rr, payload := doJSON(t, h, http.MethodGet, "/api/locations", token, "")
	assertUnauthorized(t, rr, payload)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	token := addUser(t, svc, fs, "u1", store.RoleUser)
	h := NewHTTPServer(svc, "*", nil, nil).Handler()

	rr, _ := doJSON(t, h, http.MethodPost, "/api/session/logout", token, `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d", rr.Code)
	}
	rr, payload := doJSON(t, h, http.MethodGet, "/api/locations", token, "")
	assertUnauthorized(t, rr, payload)
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	h := NewHTTPServer(svc, "*", nil, nil).Handler()

	user := store.User{ID: "u1", DisplayName: "Robin", Email: "robin@theatre.test", Role: store.RoleManager, Status: store.StatusApproved}
	_ = fs.CreateUser(t.Context(), user)
	session, err := svc.issueSession(t.Context(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	rr, refreshed := doJSON(t, h, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rr.Code, rr.Body.String())
	}
	if refreshed["refreshToken"] == session.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}

	rr, _ = doJSON(t, h, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected reused refresh token to fail, got %d", rr.Code)
	}
}

func TestSignInRejectsInvalidBody(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore(), nil), "*", nil, nil).Handler()

	rr, payload := doJSON(t, h, http.MethodPost, "/api/auth/signin", "", `{"email":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected code INVALID_BODY, got %v", payload["code"])
	}
}

func assertUnauthorized(t *testing.T, rr *httptest.ResponseRecorder, payload map[string]any) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}
