package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/api"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/credstore"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/model"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/transport"
)

var (
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrTokenInvalid = errors.New("token is invalid")
)

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	User         model.User `json:"user"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    int64      `json:"expiresAt"`
}

// Service 认证服务
// 负责登录/登出、启动时从本地存储恢复登录态，以及向请求客户端
// 注册凭证刷新操作。凭证本体归请求客户端所有，这里只做编排
type Service struct {
	api      *api.Client
	creds    *credstore.Store
	platform string
	deviceID string
	logger   *slog.Logger

	mu   sync.RWMutex
	user *model.User
}

// NewService 创建认证服务
func NewService(apiClient *api.Client, creds *credstore.Store, platform string, logger *slog.Logger) *Service {
	return &Service{
		api:      apiClient,
		creds:    creds,
		platform: platform,
		deviceID: uuid.NewString(),
		logger:   logger,
	}
}

// Login 用户登录：认证成功后持久化三个槽位并装配请求客户端
func (s *Service) Login(ctx context.Context, username, password string) (*model.User, error) {
	data, err := s.api.Post(ctx, "/auth/login", &LoginRequest{
		Username: username,
		Password: password,
		DeviceID: s.deviceID,
		Platform: s.platform,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	var resp LoginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}

	if err := s.creds.SaveTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return nil, err
	}
	if err := s.creds.SaveProfile(&resp.User); err != nil {
		return nil, err
	}

	s.install(resp.AccessToken, &resp.User)
	s.logger.Info("User logged in", "user_id", resp.User.Id)
	return &resp.User, nil
}

// Logout 登出：服务端调用尽力而为，本地槽位与凭证必定清除
func (s *Service) Logout(ctx context.Context) error {
	if _, err := s.api.Post(ctx, "/auth/logout", nil, &api.ReqOptions{NoAuthRetry: true}); err != nil {
		s.logger.Warn("Server logout failed, clearing local state anyway", "error", err)
	}

	s.api.ClearToken()
	s.api.SetRefreshFunc(nil)
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()

	return s.creds.Clear()
}

// Rehydrate 进程启动时从本地槽位恢复登录态
// access token 已过期也照常装配：首个请求的 401 会走刷新路径
func (s *Service) Rehydrate(ctx context.Context) (*model.User, error) {
	access, _, err := s.creds.Tokens()
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, ErrNotLoggedIn
		}
		return nil, err
	}

	user, err := s.creds.Profile()
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, ErrNotLoggedIn
		}
		return nil, err
	}

	if expiry, err := TokenExpiry(access); err == nil && time.Now().After(expiry) {
		s.logger.Info("Cached access token expired, will refresh on first request",
			"expired_at", expiry)
	}

	s.install(access, user)
	s.logger.Info("Session rehydrated", "user_id", user.Id)
	return user, nil
}

// CurrentUser 返回当前登录用户，未登录返回 nil
func (s *Service) CurrentUser() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// install 装配请求客户端：凭证 + 刷新操作
func (s *Service) install(accessToken string, user *model.User) {
	s.api.SetToken(accessToken)
	s.api.SetRefreshFunc(s.refresh)
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// refreshResponse 刷新接口响应
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// refresh 凭证刷新操作，由请求客户端在 401 时通过 single-flight 调用
// 刷新凭证本身被拒绝视为不可恢复：清空本地槽位，相当于强制登出
func (s *Service) refresh(ctx context.Context) (string, error) {
	_, refreshToken, err := s.creds.Tokens()
	if err != nil {
		return "", fmt.Errorf("no refresh token available: %w", err)
	}

	data, err := s.api.Post(ctx, "/auth/refresh", map[string]string{
		"refreshToken": refreshToken,
	}, &api.ReqOptions{NoAuthRetry: true})
	if err != nil {
		var apiErr *transport.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
			s.logger.Warn("Refresh token rejected, clearing credentials", "status", apiErr.Status)
			if clearErr := s.creds.Clear(); clearErr != nil {
				s.logger.Error("Failed to clear credentials", "error", clearErr)
			}
		}
		return "", err
	}

	var resp refreshResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("refresh response missing access token")
	}

	// 服务端可能轮换 refresh token，没有则沿用旧的
	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	if err := s.creds.SaveTokens(resp.AccessToken, newRefresh); err != nil {
		return "", err
	}

	s.logger.Info("Access token refreshed")
	return resp.AccessToken, nil
}

// TokenExpiry 解析 Token 获取过期时间（不验证签名，仅读取 claims）
func TokenExpiry(tokenString string) (time.Time, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}
	expiry, err := token.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, ErrTokenInvalid
	}
	return expiry.Time, nil
}
