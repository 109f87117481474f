package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/graphsync-backend/internal/platform/envutil"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

// ErrorKind classifies source-system failures for the retry policy upstream.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindRateLimited  ErrorKind = "rate_limited"
	KindNotFound     ErrorKind = "not_found"
	KindTransport    ErrorKind = "transport"
)

type Error struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("crm %s (http %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("crm %s: %s", e.Kind, e.Msg)
}

func IsUnauthorized(err error) bool { return kindOf(err) == KindUnauthorized }
func IsNotFound(err error) bool     { return kindOf(err) == KindNotFound }

// IsRetryable reports whether the failure is worth another bounded attempt.
func IsRetryable(err error) bool {
	k := kindOf(err)
	return k == KindRateLimited || k == KindTransport
}

func kindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Client pages through the source system. Credential refresh is handled
// internally; callers only ever see typed failures.
type Client interface {
	FetchPage(ctx context.Context, entityType string, filter map[string]string, offset, limit int) ([]map[string]any, error)
}

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:      envutil.Str("CRM_BASE_URL", ""),
		ClientID:     envutil.Str("CRM_CLIENT_ID", ""),
		ClientSecret: envutil.Str("CRM_CLIENT_SECRET", ""),
		Timeout:      envutil.Duration("CRM_TIMEOUT_SECONDS", 30*time.Second),
	}
}

type client struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing CRM base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &client{
		log:  log.With("client", "CRMClient"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type pageEnvelope struct {
	Records []map[string]any `json:"records"`
}

func (c *client) FetchPage(ctx context.Context, entityType string, filter map[string]string, offset, limit int) ([]map[string]any, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return nil, fmt.Errorf("entityType required")
	}

	records, err := c.fetchPageOnce(ctx, entityType, filter, offset, limit)
	if IsUnauthorized(err) {
		// Token may have expired mid-run; refresh once and retry.
		c.invalidateToken()
		records, err = c.fetchPageOnce(ctx, entityType, filter, offset, limit)
	}
	return records, err
}

func (c *client) fetchPageOnce(ctx context.Context, entityType string, filter map[string]string, offset, limit int) ([]map[string]any, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	for k, v := range filter {
		q.Set(k, v)
	}
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/" + url.PathEscape(entityType) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if typed := typedFromStatus(resp.StatusCode, raw); typed != nil {
		return nil, typed
	}

	// Some endpoints wrap the page, some return a bare array.
	var env pageEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Records != nil {
		return env.Records, nil
	}
	var bare []map[string]any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, &Error{Kind: KindTransport, Status: resp.StatusCode, Msg: "undecodable page: " + err.Error()}
	}
	return bare, nil
}

func typedFromStatus(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Status: status, Msg: msg}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Status: status, Msg: msg}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Msg: msg}
	case status >= 500:
		return &Error{Kind: KindTransport, Status: status, Msg: msg}
	case status < 200 || status >= 300:
		return &Error{Kind: KindTransport, Status: status, Msg: msg}
	default:
		return nil
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	})
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransport, Msg: "token request: " + err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: KindUnauthorized, Status: resp.StatusCode, Msg: "token refresh rejected"}
	}
	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", &Error{Kind: KindUnauthorized, Status: resp.StatusCode, Msg: "undecodable token response"}
	}

	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c.token = tok.AccessToken
	// Refresh slightly early so in-flight pages don't race expiry.
	c.tokenExp = time.Now().Add(ttl - 30*time.Second)
	c.log.Debug("source token refreshed", "expires_in", tok.ExpiresIn)
	return c.token, nil
}

func (c *client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
