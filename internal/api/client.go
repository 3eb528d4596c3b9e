package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/transport"
)

// RefreshFunc 凭证刷新操作：成功返回新的 access token
type RefreshFunc func(ctx context.Context) (string, error)

// ReqOptions 单次请求的可选参数
type ReqOptions struct {
	Headers     map[string]string
	Timeout     time.Duration
	ContentType string // 覆盖默认 Content-Type；multipart 场景由调用方给出带 boundary 的值
	NoAuthRetry bool   // 跳过 401 刷新重试（刷新接口本身必须设置，防止无限刷新循环）
}

// Client 认证请求客户端
// 持有当前凭证，为出站请求注入 Bearer 头，并在 401 时执行 single-flight
// 刷新重试协议：全局同一时刻最多一次刷新在途，并发 401 调用方共享同一结果
type Client struct {
	baseURL   string
	transport *transport.Client
	timeout   time.Duration
	logger    *slog.Logger

	mu        sync.RWMutex
	token     string
	refreshFn RefreshFunc

	refreshGroup singleflight.Group
}

// New 创建认证请求客户端
func New(baseURL string, tr *transport.Client, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: tr,
		timeout:   timeout,
		logger:    logger,
	}
}

// SetToken 设置当前凭证（登录后 / 刷新成功后）
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token 返回当前凭证
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ClearToken 清除凭证（登出时）
func (c *Client) ClearToken() {
	c.SetToken("")
}

// SetRefreshFunc 注册凭证刷新操作；未注册时 401 直接透传
func (c *Client) SetRefreshFunc(fn RefreshFunc) {
	c.mu.Lock()
	c.refreshFn = fn
	c.mu.Unlock()
}

// Get 发起 GET 请求
func (c *Client) Get(ctx context.Context, endpoint string, opts *ReqOptions) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil, opts, false)
}

// Post 发起 POST 请求，body 会被序列化为 JSON（[]byte 原样发送）
func (c *Client) Post(ctx context.Context, endpoint string, body any, opts *ReqOptions) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, endpoint, body, opts, false)
}

// Put 发起 PUT 请求
func (c *Client) Put(ctx context.Context, endpoint string, body any, opts *ReqOptions) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, endpoint, body, opts, false)
}

// Patch 发起 PATCH 请求
func (c *Client) Patch(ctx context.Context, endpoint string, body any, opts *ReqOptions) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, endpoint, body, opts, false)
}

// Delete 发起 DELETE 请求
func (c *Client) Delete(ctx context.Context, endpoint string, opts *ReqOptions) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, endpoint, nil, opts, false)
}

// do 执行请求并应用刷新重试协议
// retried 表示本次已是刷新后的重试，不再进入刷新路径
func (c *Client) do(ctx context.Context, method, endpoint string, body any, opts *ReqOptions, retried bool) (json.RawMessage, error) {
	if opts == nil {
		opts = &ReqOptions{}
	}

	raw, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}

	headers := make(map[string]string, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	if token := c.Token(); token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	resp, err := c.transport.Do(ctx, c.buildURL(endpoint), transport.Options{
		Method:  method,
		Headers: headers,
		Body:    raw,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized && !retried && !opts.NoAuthRetry {
		c.mu.RLock()
		hasRefresh := c.refreshFn != nil
		c.mu.RUnlock()
		if hasRefresh {
			if _, err := c.refresh(ctx); err != nil {
				return nil, err
			}
			// 重发原请求，重试时会带上刷新后的凭证头
			return c.do(ctx, method, endpoint, body, opts, true)
		}
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}

	return decodeEnvelope(resp), nil
}

// refresh single-flight 刷新：并发调用方挂起等待同一次刷新的结果
// 成功则更新凭证；失败时凭证保持原样，由上层决定是否清除
func (c *Client) refresh(ctx context.Context) (string, error) {
	v, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		c.mu.RLock()
		fn := c.refreshFn
		c.mu.RUnlock()

		token, err := fn(ctx)
		if err != nil {
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}
		c.SetToken(token)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("Refresh result shared with parked request")
	}
	return v.(string), nil
}

// buildURL 拼接 baseURL 与 endpoint，规范化斜杠
func (c *Client) buildURL(endpoint string) string {
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// encodeBody 序列化请求体
// []byte 原样透传且不设默认 Content-Type（multipart 边界由调用方计算）
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case json.RawMessage:
		return b, "application/json", nil
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return raw, "application/json", nil
	}
}

// decodeEnvelope 解开 {success, data} 响应封装；非封装响应原样返回
func decodeEnvelope(resp *transport.Response) json.RawMessage {
	if len(resp.JSON) == 0 {
		return json.RawMessage(resp.Body)
	}
	var env struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.JSON, &env); err == nil && env.Success != nil {
		return env.Data
	}
	return resp.JSON
}
