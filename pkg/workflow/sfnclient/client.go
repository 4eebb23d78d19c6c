// Package sfnclient invokes workflows over the StartSyncExecution JSON
// protocol.
package sfnclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/workflow"
)

// Protocol constants.
const (
	TargetHeader      = "X-Amz-Target"
	StartSyncTarget   = "AWSStepFunctions.StartSyncExecution"
	ContentType       = "application/x-amz-json-1.0"
	ErrorTypeHeader   = "X-Amzn-ErrorType"
	RequestIDHeader   = "X-Amzn-RequestId"
	maxResponseBytes  = 8 << 20
	defaultTokenIssue = "polis-sfn"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the engine base URL, e.g. https://sync-states.us-east-1.amazonaws.com.
	Endpoint string
	// RoleArn is the credentials role named in the bearer token.
	RoleArn string
	// SigningKey signs the bearer token. Empty disables the Authorization header.
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration
	// HTTPClient overrides the default otelhttp-instrumented client.
	HTTPClient *http.Client
}

// Client calls StartSyncExecution over HTTP.
type Client struct {
	endpoint string
	cfg      Config
	http     *http.Client
	now      func() time.Time
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: sfn endpoint is required", domain.ErrConfigInvalid)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid sfn endpoint %q", domain.ErrConfigInvalid, endpoint)
	}
	if len(cfg.SigningKey) > 0 && cfg.RoleArn == "" {
		return nil, fmt.Errorf("%w: role_arn is required when a signing key is set", domain.ErrConfigInvalid)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultTokenIssue
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/") + "/",
		cfg:      cfg,
		http:     httpClient,
		now:      time.Now,
	}, nil
}

type errorBody struct {
	Type         string `json:"__type"`
	Message      string `json:"message"`
	MessageUpper string `json:"Message"`
}

// StartSyncExecution implements workflow.Invoker.
func (c *Client) StartSyncExecution(ctx context.Context, payload domain.InvocationPayload) (domain.ExecutionResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindMalformedPayload, workflow.ErrTypeSerialization, "payload could not be encoded", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindUnavailable, "", "build engine request", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(TargetHeader, StartSyncTarget)
	if len(c.cfg.SigningKey) > 0 {
		token, err := workflow.SignCredentials(c.cfg.SigningKey, c.cfg.Issuer, c.cfg.RoleArn, c.cfg.TokenTTL, c.now())
		if err != nil {
			return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindAuthorization, "", "sign credentials", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ExecutionResult{}, workflow.AsInvocationError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.ExecutionResult{}, workflow.AsInvocationError(fmt.Errorf("read engine response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return domain.ExecutionResult{}, c.decodeError(resp, data)
	}

	var result domain.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindUnavailable, "", "engine returned an unreadable result", err)
	}
	if result.Status == "" {
		return domain.ExecutionResult{}, domain.NewInvocationError(domain.KindUnavailable, "", "engine result has no status", errors.New("missing status"))
	}
	return result, nil
}

func (c *Client) decodeError(resp *http.Response, data []byte) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)

	errorType := eb.Type
	if errorType == "" {
		errorType = resp.Header.Get(ErrorTypeHeader)
	}
	message := eb.Message
	if message == "" {
		message = eb.MessageUpper
	}
	return workflow.EngineError(resp.StatusCode, errorType, message)
}
