package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/dripflow/logger"
	"go.uber.org/zap"
)

const maxResponseBody = 64 * 1024

type WebhookRequest struct {
	Method  string
	Url     string
	Headers map[string]string
	Body    map[string]any
	Timeout time.Duration
}

type WebhookResponse struct {
	Status int
	Body   string
}

type WebhookError struct {
	Status int
	Body   string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.Status)
}

type WebhookCaller interface {
	Call(ctx context.Context, req WebhookRequest) (*WebhookResponse, error)
}

var _ WebhookCaller = new(HTTPWebhookCaller)

// HTTPWebhookCaller retries transport errors and 5xx responses with
// exponential backoff until the request timeout runs out. 4xx is final.
type HTTPWebhookCaller struct {
	client         *http.Client
	initialBackoff time.Duration
}

func NewHTTPWebhookCaller() *HTTPWebhookCaller {
	return &HTTPWebhookCaller{
		client:         &http.Client{},
		initialBackoff: 200 * time.Millisecond,
	}
}

func (w *HTTPWebhookCaller) Call(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}
	method := strings.ToUpper(req.Method)
	if len(method) == 0 {
		method = http.MethodPost
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.initialBackoff
	exp.MaxElapsedTime = 0
	var resp *WebhookResponse
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		r, err := w.do(ctx, method, req, payload)
		if err != nil {
			logger.Debug("webhook attempt failed", zap.String("url", req.Url), zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		if r.Status >= 500 {
			return &WebhookError{Status: r.Status, Body: r.Body}
		}
		if r.Status >= 400 {
			return backoff.Permanent(&WebhookError{Status: r.Status, Body: r.Body})
		}
		return nil
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		return resp, err
	}
	return resp, nil
}

func (w *HTTPWebhookCaller) do(ctx context.Context, method string, req WebhookRequest, payload []byte) (*WebhookResponse, error) {
	var body io.Reader
	if method != http.MethodGet {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.Url, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	res, err := w.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	return &WebhookResponse{Status: res.StatusCode, Body: string(data)}, nil
}
