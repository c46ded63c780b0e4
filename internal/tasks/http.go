package tasks

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/registry"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB
)

// HTTPRequest — задача HTTP запроса к внешнему API.
//
// Аргументы:
//
//	{
//	    "method": "POST",
//	    "url": "https://api.example.com/data",
//	    "headers": {"Authorization": "Bearer ..."},
//	    "body": {...},
//	    "follow_redirects": true,
//	    "validate_ssl": true,
//	    "timeout_sec": 30
//	}
//
// Результат:
//
//	{
//	    "status_code": 200,
//	    "headers": {"Content-Type": "application/json", ...},
//	    "body": {...}  // распарсенный JSON или строка
//	}
//
// Классификация ошибок: сетевые сбои и 5xx — transient (retry),
// 4xx — permanent (повтор бессмыслен).
type HTTPRequest struct{}

// NewHTTPRequest создаёт handler HTTP запросов.
func NewHTTPRequest() *HTTPRequest {
	return &HTTPRequest{}
}

// Execute выполняет HTTP запрос.
func (h *HTTPRequest) Execute(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
	cfg, err := h.parseArgs(inv.Args)
	if err != nil {
		return nil, domain.Permanent(err)
	}

	client := h.buildClient(cfg)

	httpReq, err := h.buildRequest(ctx, cfg)
	if err != nil {
		return nil, domain.Permanentf("build request: %v", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transientf("http request failed: %v", err)
	}
	defer resp.Body.Close()

	result, err := h.parseResponse(resp)
	if err != nil {
		return nil, domain.Transientf("read response: %v", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return result, domain.Transientf("HTTP %d: %s", resp.StatusCode, resp.Status)
	case resp.StatusCode >= 400:
		return result, domain.Permanentf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return result, nil
}

// httpArgs — распарсенные аргументы HTTP задачи.
type httpArgs struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            any
	FollowRedirects bool
	ValidateSSL     bool
	TimeoutSec      int
}

func (h *HTTPRequest) parseArgs(args map[string]any) (*httpArgs, error) {
	cfg := &httpArgs{
		Method:          ArgString(args, "method"),
		URL:             ArgString(args, "url"),
		Headers:         ArgMapString(args, "headers"),
		Body:            args["body"],
		FollowRedirects: ArgBool(args, "follow_redirects", true),
		ValidateSSL:     ArgBool(args, "validate_ssl", true),
		TimeoutSec:      ArgInt(args, "timeout_sec"),
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("http_request: url is required")
	}

	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)

	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	return cfg, nil
}

func (h *HTTPRequest) buildClient(cfg *httpArgs) *http.Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: !cfg.ValidateSSL,
	}

	var checkRedirect func(*http.Request, []*http.Request) error
	if !cfg.FollowRedirects {
		checkRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: checkRedirect,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
}

func (h *HTTPRequest) buildRequest(ctx context.Context, cfg *httpArgs) (*http.Request, error) {
	var bodyReader io.Reader

	if cfg.Body != nil {
		bodyBytes, err := h.serializeBody(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("serialize body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)

		if _, hasContentType := cfg.Headers["Content-Type"]; !hasContentType {
			cfg.Headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func (h *HTTPRequest) serializeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (h *HTTPRequest) parseResponse(resp *http.Response) (map[string]any, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	var body any
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			// Невалидный JSON отдаём как строку
			body = string(bodyBytes)
		}
	} else {
		body = string(bodyBytes)
	}

	headers := make(map[string]string)
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}, nil
}
