package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	boterrors "github.com/vinayprograms/overbot/errors"
)

// DefaultAPIURL is the REST base for gateway discovery.
const DefaultAPIURL = "https://discord.com/api/v10"

// maxResponseSize bounds REST response bodies.
const maxResponseSize = 1 << 20

// SessionStartLimit is the identify budget reported by /gateway/bot.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // milliseconds
	MaxConcurrency int `json:"max_concurrency"`
}

// BotGateway is the /gateway/bot response.
type BotGateway struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	APIURL     string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// Client queries the gateway REST API.
type Client struct {
	apiURL    string
	token     string
	userAgent string
	http      *http.Client

	mu   sync.Mutex
	last *BotGateway
}

// NewClient creates a REST client. Zero values fall back to defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "DiscordBot (https://github.com/vinayprograms/overbot, 0.1)"
	}
	return &Client{
		apiURL:    strings.TrimRight(cfg.APIURL, "/"),
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		http:      cfg.HTTPClient,
	}
}

// BotGateway fetches the recommended shard count and connection limits.
func (c *Client) BotGateway(ctx context.Context) (*BotGateway, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/gateway/bot", nil)
	if err != nil {
		return nil, boterrors.WrapWithCode(err, boterrors.ErrCodeGatewayQuery, "build gateway request")
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, boterrors.WrapWithCode(err, boterrors.ErrCodeGatewayQuery, "query gateway")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, boterrors.WrapWithCode(err, boterrors.ErrCodeGatewayQuery, "read gateway response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}

	var info BotGateway
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, boterrors.WrapWithCode(err, boterrors.ErrCodeGatewayQuery, "decode gateway response")
	}

	c.mu.Lock()
	c.last = &info
	c.mu.Unlock()
	return &info, nil
}

func statusError(resp *http.Response, body []byte) error {
	status := boterrors.WithMetadata("status", strconv.Itoa(resp.StatusCode))
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return boterrors.Unauthorized("gateway rejected the bot token", status)
	case http.StatusTooManyRequests:
		return boterrors.New(boterrors.ErrCodeRateLimit, "gateway query rate limited", status,
			boterrors.WithMetadata("retry_after", resp.Header.Get("Retry-After")))
	default:
		return boterrors.Newf(boterrors.ErrCodeGatewayQuery, "gateway query: %s: %s", resp.Status, snippet)
	}
}

// RecommendedShards returns the gateway's recommended shard count.
func (c *Client) RecommendedShards(ctx context.Context) (int, error) {
	info, err := c.BotGateway(ctx)
	if err != nil {
		return 0, err
	}
	if info.Shards < 1 {
		return 0, boterrors.Newf(boterrors.ErrCodeGatewayQuery, "gateway recommended %d shards", info.Shards)
	}
	return info.Shards, nil
}

// GatewayURL returns the websocket URL from the last query, fetching it
// if no query has succeeded yet.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()

	if last == nil {
		info, err := c.BotGateway(ctx)
		if err != nil {
			return "", err
		}
		last = info
	}
	if last.URL == "" {
		return "", fmt.Errorf("gateway response carried no url")
	}
	return last.URL, nil
}

// Last returns the most recent successful response, or nil.
func (c *Client) Last() *BotGateway {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Ensure Client implements URLResolver.
var _ URLResolver = (*Client)(nil)
