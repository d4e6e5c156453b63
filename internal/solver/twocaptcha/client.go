// Package twocaptcha is a client for the 2captcha reCAPTCHA solving API.
package twocaptcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

const (
	defaultBaseURL      = "https://2captcha.com"
	defaultPollInterval = 5 * time.Second
	notReady            = "CAPCHA_NOT_READY"
)

// ErrNotReady is returned by poll while the task is still being solved.
var ErrNotReady = errors.New("2captcha: solution not ready")

// Config configures the client.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Client submits tasks and polls for their tokens.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// New builds a Client. An empty API key is an error; callers disable
// automatic solving by not constructing a client at all.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("2captcha: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

// Solve submits req and polls until a token arrives, the service reports a
// failure, or ctx expires.
func (c *Client) Solve(ctx context.Context, req harvest.SolveRequest) (harvest.SolveResponse, error) {
	started := time.Now()
	taskID, err := c.submit(ctx, req)
	if err != nil {
		return harvest.SolveResponse{}, err
	}
	c.logger.Info("captcha task submitted", zap.String("task_id", taskID), zap.String("version", req.Version))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return harvest.SolveResponse{}, fmt.Errorf("2captcha task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
		token, err := c.poll(ctx, taskID)
		if errors.Is(err, ErrNotReady) {
			continue
		}
		if err != nil {
			return harvest.SolveResponse{}, err
		}
		return harvest.SolveResponse{Token: token, TaskID: taskID, Duration: time.Since(started)}, nil
	}
}

func (c *Client) submit(ctx context.Context, req harvest.SolveRequest) (string, error) {
	form := url.Values{}
	form.Set("key", c.cfg.APIKey)
	form.Set("method", "userrecaptcha")
	form.Set("googlekey", req.SiteKey)
	form.Set("pageurl", req.PageURL)
	form.Set("json", "1")
	if req.Version == "v3" {
		form.Set("version", "v3")
		if req.Action != "" {
			form.Set("action", req.Action)
		}
		if req.MinScore > 0 {
			form.Set("min_score", fmt.Sprintf("%.1f", req.MinScore))
		}
	}
	if req.Invisible {
		form.Set("invisible", "1")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.do(httpReq)
	if err != nil {
		return "", fmt.Errorf("2captcha submit: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("2captcha submit rejected: %s", resp.Request)
	}
	return resp.Request, nil
}

func (c *Client) poll(ctx context.Context, taskID string) (string, error) {
	q := url.Values{}
	q.Set("key", c.cfg.APIKey)
	q.Set("action", "get")
	q.Set("id", taskID)
	q.Set("json", "1")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build poll request: %w", err)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return "", fmt.Errorf("2captcha poll: %w", err)
	}
	if resp.Status == 1 {
		return resp.Request, nil
	}
	if resp.Request == notReady {
		return "", ErrNotReady
	}
	return "", fmt.Errorf("2captcha task %s failed: %s", taskID, resp.Request)
}

func (c *Client) do(req *http.Request) (apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
