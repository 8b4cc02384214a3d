// Package etherscan implements the InterfaceRegistry port using Etherscan's
// contract API. It provides:
//   - Retry with exponential backoff for transient failures
//   - A per-request timeout
//   - Client-side rate limiting to stay within the API key's quota
package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/pkg/retry"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.InterfaceRegistry.
var _ outbound.InterfaceRegistry = (*Client)(nil)

const source = "etherscan"

// ClientConfig holds configuration for the Etherscan client.
type ClientConfig struct {
	// APIKey is the Etherscan API key.
	APIKey string

	// ChainID is the target blockchain network (e.g., 1 for Ethereum mainnet).
	// Defaults to 1.
	ChainID int64

	// BaseURL is the Etherscan API V2 base URL.
	// Defaults to https://api.etherscan.io/v2/api
	BaseURL string

	// Timeout is the maximum time to wait for a single HTTP request.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Use -1 to explicitly disable retries (0 uses default of 3).
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// RateLimitPerSec is the rate limit in requests per second.
	// Defaults to 2 (Etherscan free tier allows 3).
	RateLimitPerSec int

	// Logger is the structured logger for the client.
	Logger *slog.Logger

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		ChainID:         1,
		BaseURL:         "https://api.etherscan.io/v2/api",
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		InitialBackoff:  1 * time.Second,
		MaxBackoff:      10 * time.Second,
		RateLimitPerSec: 2,
		Logger:          slog.Default(),
	}
}

// Client fetches verified contract ABIs from Etherscan.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	policy     retry.Policy
}

// NewClient creates a new Etherscan API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("APIKey is required")
	}

	applyDefaults(&config, ClientConfigDefaults())

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := config.Logger.With("component", "etherscan-client")
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitPerSec), 1),
		policy: retry.Policy{
			MaxRetries:     config.MaxRetries,
			AttemptTimeout: config.Timeout,
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
			BackoffFactor:  2.0,
			// Keep deterministic for API rate limiting
			Jitter: false,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				logger.Warn("request failed, retrying",
					"attempt", attempt,
					"maxRetries", config.MaxRetries,
					"backoff", backoff,
					"error", err,
				)
			},
		},
	}, nil
}

func applyDefaults(config *ClientConfig, defaults ClientConfig) {
	if config.ChainID == 0 {
		config.ChainID = defaults.ChainID
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	// MaxRetries: 0 means use default, negative values disable retries (set to 0)
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	} else if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.RateLimitPerSec == 0 {
		config.RateLimitPerSec = defaults.RateLimitPerSec
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
}

// GetABI returns the verified ABI of the contract at address as a JSON array.
func (c *Client) GetABI(ctx context.Context, address common.Address) (json.RawMessage, error) {
	params := url.Values{
		"chainid": {strconv.FormatInt(c.config.ChainID, 10)},
		"module":  {"contract"},
		"action":  {"getabi"},
		"address": {strings.ToLower(address.Hex())},
		"apikey":  {c.config.APIKey},
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, apperr.Upstream(source, "getabi", err)
	}

	result, err := parseABIResponse(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched ABI", "address", address.Hex(), "bytes", len(result))
	return result, nil
}

// parseABIResponse unwraps the {status, message, result} envelope. On success
// result is the ABI encoded as a JSON string.
func parseABIResponse(body []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, apperr.Malformed("etherscan response", errors.New("invalid JSON"))
	}

	status := gjson.GetBytes(body, "status").String()
	result := gjson.GetBytes(body, "result")
	if status != "1" {
		msg := result.String()
		if msg == "" {
			msg = gjson.GetBytes(body, "message").String()
		}
		return nil, apperr.Upstream(source, "getabi", fmt.Errorf("API error: %s", msg))
	}

	if result.Type != gjson.String {
		return nil, apperr.Malformed("etherscan ABI", fmt.Errorf("expected result string, got %s", result.Type))
	}
	abiJSON := result.String()
	if !gjson.Valid(abiJSON) || !gjson.Parse(abiJSON).IsArray() {
		return nil, apperr.Malformed("etherscan ABI", errors.New("result is not a JSON array"))
	}

	return json.RawMessage(abiJSON), nil
}

func (c *Client) doRequest(ctx context.Context, params url.Values) ([]byte, error) {
	fullURL := fmt.Sprintf("%s?%s", c.config.BaseURL, params.Encode())

	return retry.Do(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		return c.doSingleRequest(ctx, fullURL)
	})
}

func (c *Client) doSingleRequest(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limited (HTTP 429)")
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error (HTTP %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, retry.Permanent(fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	// Etherscan reports its own rate limiting with HTTP 200 and status "0".
	if gjson.GetBytes(body, "status").String() == "0" &&
		strings.Contains(strings.ToLower(gjson.GetBytes(body, "result").String()), "rate limit") {
		return nil, fmt.Errorf("rate limited: %s", gjson.GetBytes(body, "result").String())
	}

	return body, nil
}
