package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout 请求在配置的超时时间内未完成
var ErrTimeout = errors.New("request timed out")

// DefaultTimeout 未显式指定时的请求超时
const DefaultTimeout = 15 * time.Second

// Options 单次请求参数
type Options struct {
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response 规范化后的响应
// 非 2xx 状态不会作为 error 返回，状态检查由上层负责
type Response struct {
	Status      int
	ContentType string
	Body        []byte          // 原始 body（完整读取一次）
	JSON        json.RawMessage // body 为合法 JSON 时与 Body 相同，否则为 nil
}

// OK 状态码是否为 2xx
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err 状态码 >= 400 时构建统一错误对象，否则返回 nil
// message 优先取 body 中的 message 字段
func (r *Response) Err() error {
	if r.Status < 400 {
		return nil
	}
	apiErr := &APIError{
		Message: fmt.Sprintf("request failed with status %d", r.Status),
		Status:  r.Status,
		Body:    r.Body,
	}
	if len(r.JSON) > 0 {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(r.JSON, &body); err == nil && body.Message != "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}

// APIError 统一的应用层错误：{message, status, body}
type APIError struct {
	Message string
	Status  int
	Body    []byte
}

// Error 实现 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Status, e.Message)
}

// Client 网络请求原语，负责有界生命周期（超时即取消）与响应规范化
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New 创建传输层客户端
func New(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Do 执行单次请求
// 超时通过 context deadline 实现：定时器先于网络调用完成则中止请求，
// 以 ErrTimeout 形式返回；网络层失败原样包装返回
func (c *Client) Do(ctx context.Context, url string, opts Options) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s: %s %s", ErrTimeout, timeout, method, url)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s: %s %s", ErrTimeout, timeout, method, url)
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	out := &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        raw,
	}

	// 声明为 JSON 且 body 非空时尝试解析；解析失败降级为原始文本，绝不报错
	if strings.Contains(out.ContentType, "application/json") && len(raw) > 0 {
		if json.Valid(raw) {
			out.JSON = json.RawMessage(raw)
		} else {
			c.logger.Debug("Response declared JSON but failed to parse, keeping raw text",
				"url", url, "status", resp.StatusCode)
		}
	}

	return out, nil
}
