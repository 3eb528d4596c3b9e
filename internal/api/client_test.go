package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newClient(baseURL string) *Client {
	return New(baseURL, transport.New(testLogger()), 5*time.Second, testLogger())
}

func TestGet_UnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"name":"bella"}}`))
	}))
	defer srv.Close()

	data, err := newClient(srv.URL).Get(context.Background(), "/pets/1", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"name":"bella"}` {
		t.Errorf("Expected unwrapped data, got %s", data)
	}
}

func TestBuildURL_SlashNormalization(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL + "/api/v1/")
	if _, err := c.Get(context.Background(), "/pets", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotPath != "/api/v1/pets" {
		t.Errorf("Expected path /api/v1/pets, got %s", gotPath)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.SetToken("abc")
	if _, err := c.Get(context.Background(), "/me", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("Expected 'Bearer abc', got %q", gotAuth)
	}
}

func TestRawBody_OmitsDefaultContentType(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)

	// multipart 场景：body 是 []byte，Content-Type 由调用方带 boundary 给出
	_, err := c.Post(context.Background(), "/upload", []byte("--x--"), &ReqOptions{
		ContentType: "multipart/form-data; boundary=x",
	})
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Errorf("Expected multipart content type, got %q", gotContentType)
	}

	// []byte 且未指定时不得注入默认 application/json
	if _, err := c.Post(context.Background(), "/upload", []byte("raw"), nil); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if strings.Contains(gotContentType, "application/json") {
		t.Errorf("Default content type must be omitted for raw bodies, got %q", gotContentType)
	}
}

// TestSingleFlightRefresh 并发 401 场景：N 个并发请求都收到 401，
// 刷新操作只允许被调用一次，所有重试请求都必须携带新凭证
func TestSingleFlightRefresh(t *testing.T) {
	const concurrency = 5

	var successAuth sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer T2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		successAuth.Store(auth, true)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"ok":true}}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.SetToken("T1")

	var refreshCalls atomic.Int32
	c.SetRefreshFunc(func(ctx context.Context) (string, error) {
		refreshCalls.Add(1)
		// 给并发调用方留出挂队窗口
		time.Sleep(100 * time.Millisecond)
		return "T2", nil
	})

	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	start := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = c.Get(context.Background(), "/protected", nil)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Call %d failed: %v", i, err)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 refresh invocation, got %d", got)
	}
	if c.Token() != "T2" {
		t.Errorf("Expected credential updated to T2, got %q", c.Token())
	}
	successAuth.Range(func(key, _ any) bool {
		if key != "Bearer T2" {
			t.Errorf("Retried request carried stale credential %v", key)
		}
		return true
	})
}

func TestRefreshFailurePropagatesToAllCallers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.SetToken("T1")

	refreshErr := errors.New("refresh rejected")
	c.SetRefreshFunc(func(ctx context.Context) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "", refreshErr
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "/protected", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Errorf("Call %d should have failed", i)
			continue
		}
		if !errors.Is(err, refreshErr) {
			t.Errorf("Call %d: expected refresh error, got %v", i, err)
		}
	}
	// 刷新失败不得动原有凭证
	if c.Token() != "T1" {
		t.Errorf("Credential must be left untouched on refresh failure, got %q", c.Token())
	}
}

func TestNoRefreshFuncPropagates401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.SetToken("T1")

	_, err := c.Get(context.Background(), "/protected", nil)
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("Expected propagated 401, got %v", err)
	}
}

// TestNoAuthRetryOnRefreshEndpoint 刷新接口自身的 401 绝不触发刷新，
// 防止无限刷新循环
func TestNoAuthRetryOnRefreshEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.SetToken("T1")

	var refreshCalls atomic.Int32
	c.SetRefreshFunc(func(ctx context.Context) (string, error) {
		refreshCalls.Add(1)
		return "T2", nil
	})

	_, err := c.Post(context.Background(), "/auth/refresh", nil, &ReqOptions{NoAuthRetry: true})
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("Expected propagated 401, got %v", err)
	}
	if got := refreshCalls.Load(); got != 0 {
		t.Errorf("Refresh must not run for the refresh endpoint, got %d calls", got)
	}
}
