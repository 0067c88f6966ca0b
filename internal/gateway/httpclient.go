package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
)

const maxErrorBody = 2048

// HTTPClient JSON-клиент для провайдеров без официального Go SDK
type HTTPClient struct {
	gateway domain.Gateway
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewHTTPClient создает клиент с ограниченным таймаутом на каждый запрос
func NewHTTPClient(gw domain.Gateway, baseURL string, timeout time.Duration, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		gateway: gw,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Do выполняет запрос и декодирует ответ в out. Ошибки приводятся к *domain.GatewayError:
// сетевые ошибки, таймауты, 429 и 5xx помечаются как повторяемые.
func (c *HTTPClient) Do(ctx context.Context, op, method, path string, headers map[string]string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return domain.NewGatewayError(c.gateway, op, 0, false, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return domain.NewGatewayError(c.gateway, op, 0, false, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warnw("Gateway request failed", "gateway", c.gateway, "operation", op, "error", err)
		return domain.NewGatewayError(c.gateway, op, 0, !errors.Is(err, context.Canceled), err)
	}
	defer resp.Body.Close()

	c.log.Debugw("Gateway request completed",
		"gateway", c.gateway,
		"operation", op,
		"status_code", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.NewGatewayError(c.gateway, op, resp.StatusCode, retryableStatus(resp.StatusCode),
			fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(snippet))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewGatewayError(c.gateway, op, resp.StatusCode, false, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func retryableStatus(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return true
	}
	return code >= 500 && code != http.StatusNotImplemented
}

// IsNotFound сообщает, что провайдер ответил 404
func IsNotFound(err error) bool {
	var gwErr *domain.GatewayError
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound
}
