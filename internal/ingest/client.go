// Package ingest delivers leads to the lead ingestion service and fans the
// outcome out to the ledger and event publisher.
package ingest

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

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/clock/system"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultStatus     = "New"
	defaultNotePrefix = "Found on Google on"
	noteLayout        = "2006-01-02 15:04:05"
	maxBodyPreview    = 512
)

// ErrRejected is returned when the service answers with a non-success code.
var ErrRejected = errors.New("ingest: lead rejected")

// Config points the client at the service.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	Status     string
	NotePrefix string
	HTTPClient *http.Client
}

// Request is the create-or-upsert payload.
type Request struct {
	Country    string `json:"country"`
	ShopURL    string `json:"shop_url"`
	Email      string `json:"email"`
	Comparator string `json:"comparator"`
	Notes      string `json:"notes"`
	Status     string `json:"status"`
}

// Result classifies one delivery attempt.
type Result struct {
	Status     harvest.IngestStatus
	StatusCode int
	Body       string
}

// Client posts leads to the ingestion endpoint. It never retries.
type Client struct {
	cfg    Config
	http   *http.Client
	clock  harvest.Clock
	logger *zap.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config, clock harvest.Clock, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("ingest endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Status == "" {
		cfg.Status = defaultStatus
	}
	if cfg.NotePrefix == "" {
		cfg.NotePrefix = defaultNotePrefix
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, clock: clock, logger: logger}, nil
}

// BuildRequest maps a lead onto the service payload.
func (c *Client) BuildRequest(lead harvest.Lead, email string) Request {
	return Request{
		Country:    lead.Identity.String(),
		ShopURL:    lead.CanonicalURL,
		Email:      email,
		Comparator: lead.ComparisonService,
		Notes:      fmt.Sprintf("%s %s", c.cfg.NotePrefix, c.clock.Now().Format(noteLayout)),
		Status:     c.cfg.Status,
	}
}

// Submit delivers one lead. 200/201 map to created and 409 to already
// exists; any other code yields ErrRejected.
func (c *Client) Submit(ctx context.Context, lead harvest.Lead, email string) (Result, error) {
	payload, err := json.Marshal(c.BuildRequest(lead, email))
	if err != nil {
		return Result{Status: harvest.IngestFailed}, fmt.Errorf("encode lead: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{Status: harvest.IngestFailed}, fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Status: harvest.IngestFailed}, fmt.Errorf("post lead: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close ingest body", zap.Error(cerr))
		}
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyPreview))
	res := Result{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		res.Status = harvest.IngestCreated
		return res, nil
	case http.StatusConflict:
		res.Status = harvest.IngestAlreadyExists
		return res, nil
	default:
		res.Status = harvest.IngestFailed
		return res, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}
