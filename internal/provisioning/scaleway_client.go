package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mriya/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ScalewayInstanceAPIBase is the Scaleway Instance API root.
const ScalewayInstanceAPIBase = "https://api.scaleway.com/instance/v1"

// scalewayClient issues authenticated requests against the Instance API.
type scalewayClient struct {
	http      *retryablehttp.Client
	baseURL   string
	secretKey string
}

// scalewayAPIError is the error body returned by the Scaleway API.
type scalewayAPIError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id"`
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (r apiResponse) text() string {
	return strings.TrimSpace(string(r.body))
}

func (r apiResponse) decode(target any) error {
	if err := json.Unmarshal(r.body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (r apiResponse) apiError() (scalewayAPIError, bool) {
	var apiErr scalewayAPIError
	if err := json.Unmarshal(r.body, &apiErr); err != nil {
		return scalewayAPIError{}, false
	}
	return apiErr, apiErr.Type != "" || apiErr.Message != ""
}

func newScalewayClient(baseURL, secretKey string) *scalewayClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = DefaultHTTPTimeout
	client.Logger = retryLogger{}
	client.CheckRetry = retryReadsOnly
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if baseURL == "" {
		baseURL = ScalewayInstanceAPIBase
	}
	return &scalewayClient{
		http:      client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
	}
}

// retryReadsOnly retries GET requests on transport failures and 5xx/429 responses.
// Any other method is sent exactly once, even when the connection dropped before
// an answer arrived.
func retryReadsOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if method, ok := requestMethod(ctx, resp); !ok || method != http.MethodGet {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type requestMethodKey struct{}

// requestMethod reads the method from the response, or from ctx when no response arrived.
func requestMethod(ctx context.Context, resp *http.Response) (string, bool) {
	if resp != nil && resp.Request != nil {
		return resp.Request.Method, true
	}
	method, ok := ctx.Value(requestMethodKey{}).(string)
	return method, ok
}

func (c *scalewayClient) do(ctx context.Context, method, path string, query url.Values, payload any) (apiResponse, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return apiResponse{}, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(context.WithValue(ctx, requestMethodKey{}, method), method, endpoint, body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logging.Logger().Debug("Scaleway API request",
		zap.String("method", method),
		zap.String("path", path))

	resp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	logging.Logger().Debug("Scaleway API response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("body", logging.Truncate(string(data))))

	return apiResponse{status: resp.StatusCode, body: data}, nil
}

// retryLogger routes retryablehttp's leveled logs into zap.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Errorw(msg, keysAndValues...)
}

func (retryLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Debugw(msg, keysAndValues...)
}

func (retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Debugw(msg, keysAndValues...)
}

func (retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Warnw(msg, keysAndValues...)
}
