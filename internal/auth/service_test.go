package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/api"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/credstore"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/model"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/transport"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, baseURL string) (*Service, *api.Client, *credstore.Store) {
	t.Helper()
	logger := testLogger()
	apiClient := api.New(baseURL, transport.New(logger), 5*time.Second, logger)
	creds, err := credstore.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Failed to open credstore: %v", err)
	}
	t.Cleanup(func() { creds.Close() })
	return NewService(apiClient, creds, "test", logger), apiClient, creds
}

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func TestTokenExpiry(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	got, err := TokenExpiry(signedToken(t, expiry))
	if err != nil {
		t.Fatalf("TokenExpiry failed: %v", err)
	}
	if !got.Equal(expiry) {
		t.Errorf("Expected expiry %v, got %v", expiry, got)
	}
}

func TestTokenExpiry_Invalid(t *testing.T) {
	if _, err := TokenExpiry("not-a-jwt"); err == nil {
		t.Error("Expected error for malformed token")
	}

	// 没有 exp claim
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, _ := token.SignedString([]byte("k"))
	if _, err := TokenExpiry(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogin_PersistsAndInstalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var req LoginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Username != "alice" || req.Password != "pw" {
			t.Errorf("Unexpected credentials: %+v", req)
		}
		if req.DeviceID == "" || req.Platform != "test" {
			t.Errorf("Expected device id and platform, got %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"user":         map[string]string{"id": "u1", "username": "alice"},
				"accessToken":  "AT1",
				"refreshToken": "RT1",
			},
		})
	}))
	defer srv.Close()

	svc, apiClient, creds := newTestService(t, srv.URL)

	user, err := svc.Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.Id != "u1" {
		t.Errorf("Expected user u1, got %+v", user)
	}
	if apiClient.Token() != "AT1" {
		t.Errorf("Expected access token installed, got %q", apiClient.Token())
	}
	if svc.CurrentUser() == nil || svc.CurrentUser().Id != "u1" {
		t.Errorf("Expected current user set, got %+v", svc.CurrentUser())
	}

	access, refresh, err := creds.Tokens()
	if err != nil {
		t.Fatalf("Tokens failed: %v", err)
	}
	if access != "AT1" || refresh != "RT1" {
		t.Errorf("Expected persisted pair (AT1, RT1), got (%s, %s)", access, refresh)
	}
	profile, err := creds.Profile()
	if err != nil || profile.Id != "u1" {
		t.Errorf("Expected persisted profile, got %+v err=%v", profile, err)
	}
}

func TestRehydrate_NotLoggedIn(t *testing.T) {
	svc, _, _ := newTestService(t, "http://127.0.0.1:0")

	if _, err := svc.Rehydrate(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Expected ErrNotLoggedIn, got %v", err)
	}
}

func TestRehydrate_RestoresSession(t *testing.T) {
	svc, apiClient, creds := newTestService(t, "http://127.0.0.1:0")

	// 过期 token 也照常装配：首个 401 会触发刷新
	expired := signedToken(t, time.Now().Add(-time.Hour))
	if err := creds.SaveTokens(expired, "RT1"); err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}
	if err := creds.SaveProfile(&model.User{Id: "u1", Username: "alice"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	user, err := svc.Rehydrate(context.Background())
	if err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	if user.Id != "u1" {
		t.Errorf("Expected user u1, got %+v", user)
	}
	if apiClient.Token() != expired {
		t.Error("Expected cached access token installed")
	}
}

func TestRefresh_RotatesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["refreshToken"] != "RT1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"accessToken": "AT2", "refreshToken": "RT2"},
		})
	}))
	defer srv.Close()

	svc, _, creds := newTestService(t, srv.URL)
	if err := creds.SaveTokens("AT1", "RT1"); err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}

	token, err := svc.refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if token != "AT2" {
		t.Errorf("Expected AT2, got %s", token)
	}

	access, refresh, err := creds.Tokens()
	if err != nil {
		t.Fatalf("Tokens failed: %v", err)
	}
	if access != "AT2" || refresh != "RT2" {
		t.Errorf("Expected rotated pair (AT2, RT2), got (%s, %s)", access, refresh)
	}
}

func TestRefresh_RejectionClearsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc, _, creds := newTestService(t, srv.URL)
	if err := creds.SaveTokens("AT1", "RT-stale"); err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}

	if _, err := svc.refresh(context.Background()); err == nil {
		t.Fatal("Expected refresh to fail")
	}

	// 刷新凭证被拒等同强制登出
	if _, _, err := creds.Tokens(); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("Expected credentials cleared, got %v", err)
	}
}

func TestLogout_ClearsEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 服务端登出失败不影响本地清理
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc, apiClient, creds := newTestService(t, srv.URL)
	creds.SaveTokens("AT1", "RT1")
	creds.SaveProfile(&model.User{Id: "u1"})
	svc.install("AT1", &model.User{Id: "u1"})

	if err := svc.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if apiClient.Token() != "" {
		t.Error("Expected credential cleared from client")
	}
	if svc.CurrentUser() != nil {
		t.Error("Expected current user cleared")
	}
	if _, _, err := creds.Tokens(); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("Expected local slots cleared, got %v", err)
	}
}
