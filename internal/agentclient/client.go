// Package agentclient relays sealed envelopes to the downstream document and
// generation agents.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "ControlAgent/internal/errors"
	"ControlAgent/internal/observability/metrics"
	"ControlAgent/pkg/envelope"
)

// 下游代理暴露的端点。
const (
	EndpointCreateDatabase = "/createvectordatabase"
	EndpointDeleteDatabase = "/deletevectordatabase"
	EndpointRetrieval      = "/getretrievalcontext"
	EndpointGeneration     = "/generationwithmessagehistory"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 32 << 20
	maxErrorBody    = 2048
)

// Config 描述一个下游代理。
type Config struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// Client 以 {cipherData} 形式调用下游代理，不做自动重试。
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// New 根据配置创建客户端。未设置超时时使用 30 秒。
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("agent %q: base url 不能为空", cfg.Name)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回代理名称。
func (c *Client) Name() string {
	return c.name
}

// response 兼容两种字段名：文档代理返回 cipherData，生成代理返回 cipher_response。
type response struct {
	CipherData     string `json:"cipherData"`
	CipherResponse string `json:"cipher_response"`
}

// Call 把信封 POST 到 endpoint 并返回代理回复的信封。任何传输错误、超时或
// 非 2xx 状态都会转换为 CodeUpstreamFailed。
func (c *Client) Call(ctx context.Context, endpoint string, env envelope.Envelope) (out envelope.Envelope, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveUpstreamCall(c.name, endpoint, err, time.Since(start))
	}()

	resp, err := c.post(ctx, endpoint, env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer resp.Body.Close()

	var decoded response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&decoded); err != nil {
		return envelope.Envelope{}, c.upstreamError(endpoint, resp.StatusCode, "decode response", err)
	}
	cipherData := decoded.CipherData
	if cipherData == "" {
		cipherData = decoded.CipherResponse
	}
	if strings.TrimSpace(cipherData) == "" {
		return envelope.Envelope{}, c.upstreamError(endpoint, resp.StatusCode, "decode response", errors.New("response carries no envelope"))
	}
	return envelope.Envelope{CipherData: cipherData}, nil
}

// Send 与 Call 相同，但只检查状态码，不解析响应体。删除接口不返回信封。
func (c *Client) Send(ctx context.Context, endpoint string, env envelope.Envelope) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveUpstreamCall(c.name, endpoint, err, time.Since(start))
	}()

	resp, err := c.post(ctx, endpoint, env)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return resp.Body.Close()
}

// post 发送请求；返回的响应状态一定是 2xx，调用方负责关闭 Body。
func (c *Client) post(ctx context.Context, endpoint string, env envelope.Envelope) (*http.Response, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, c.upstreamError(endpoint, 0, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, c.upstreamError(endpoint, 0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.upstreamError(endpoint, 0, "transport", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, c.upstreamError(endpoint, resp.StatusCode, "status", cause)
	}
	return resp, nil
}

func (c *Client) upstreamError(endpoint string, status int, stage string, cause error) error {
	return xerrors.Wrap(xerrors.CodeUpstreamFailed, cause, fmt.Sprintf("调用 %s%s 失败 (%s)", c.name, endpoint, stage),
		xerrors.WithMetadata("agent", c.name),
		xerrors.WithMetadata("endpoint", endpoint),
		xerrors.WithMetadata("status", strconv.Itoa(status)),
	)
}
