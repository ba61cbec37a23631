// Package gateway is the HTTP client for the federation gateway.
package gateway

import (
	"bytes"
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

	"efgs-sync/internal/federation/models"
	"efgs-sync/internal/federation/wire"
	"efgs-sync/pkg/platform/circuit"
	"efgs-sync/pkg/platform/sentinel"
)

const (
	headerBatchTag       = "batchTag"
	headerNextBatchTag   = "nextBatchTag"
	headerBatchSignature = "batchSignature"
	nullTag              = "null"

	maxErrorBody = 4 << 10
	// DefaultMaxPageBody fits a 5000 key page with room for long visited
	// country lists.
	DefaultMaxPageBody = 8 << 20
)

// ErrBodyTooLarge is returned when a page or audit body exceeds the limit.
var ErrBodyTooLarge = errors.New("gateway response body too large")

// StatusError is returned for responses the client does not accept.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: gateway responded %d: %s", e.Op, e.Status, e.Body)
}

// Unwrap classifies server errors as unavailable so callers can retry.
func (e *StatusError) Unwrap() error {
	if e.Status >= http.StatusInternalServerError {
		return sentinel.ErrUnavailable
	}
	return nil
}

// Callback is a webhook registration on the gateway.
type Callback struct {
	ID  string `json:"callbackId"`
	URL string `json:"url"`
}

type Client struct {
	baseURL     string
	http        *http.Client
	breaker     *circuit.Breaker
	logger      *slog.Logger
	maxPageBody int64
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func WithMaxPageBody(n int64) Option {
	return func(cl *Client) {
		cl.maxPageBody = n
	}
}

// WithBreaker makes the client fail fast while the gateway keeps failing.
func WithBreaker(b *circuit.Breaker) Option {
	return func(cl *Client) {
		cl.breaker = b
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
		maxPageBody: DefaultMaxPageBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload posts a signed batch. A 207 response yields the per-status index
// buckets; any other 2xx means every key was accepted.
func (c *Client) Upload(ctx context.Context, batchTag, signature string, keys []models.WireKey) (models.UploadResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/diagnosiskeys/upload", bytes.NewReader(wire.MarshalBatch(keys)))
	if err != nil {
		return models.UploadResult{}, err
	}
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerBatchTag, batchTag)
	req.Header.Set(headerBatchSignature, signature)

	resp, err := c.do(req)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("upload batch %s: %w", batchTag, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMultiStatus:
		var raw map[string][]int
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return models.UploadResult{}, fmt.Errorf("decode multi-status for %s: %w", batchTag, err)
		}
		buckets := make(map[int][]int, len(raw))
		for code, indices := range raw {
			status, err := strconv.Atoi(code)
			if err != nil {
				return models.UploadResult{}, fmt.Errorf("decode multi-status for %s: bad status %q", batchTag, code)
			}
			buckets[status] = indices
		}
		return models.UploadResult{Partial: true, Buckets: buckets}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.UploadResult{}, nil
	default:
		return models.UploadResult{}, statusError("upload batch", resp)
	}
}

// Download fetches one page of keys for date. An empty tag requests the
// first page. A date without data yields an empty page.
func (c *Client) Download(ctx context.Context, date time.Time, tag string) (models.DownloadPage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/diagnosiskeys/download/"+models.FormatDate(date), nil)
	if err != nil {
		return models.DownloadPage{}, err
	}
	req.Header.Set("Accept", wire.ContentType)
	if tag != "" {
		req.Header.Set(headerBatchTag, tag)
	}

	resp, err := c.do(req)
	if err != nil {
		return models.DownloadPage{}, fmt.Errorf("download %s: %w", models.FormatDate(date), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.DownloadPage{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return models.DownloadPage{}, statusError("download keys", resp)
	}

	body, err := c.readBody(resp.Body)
	if err != nil {
		return models.DownloadPage{}, fmt.Errorf("read download body: %w", err)
	}
	keys, err := wire.UnmarshalBatch(body)
	if err != nil {
		return models.DownloadPage{}, fmt.Errorf("decode download body: %w", err)
	}
	page := models.DownloadPage{
		Keys:     keys,
		BatchTag: resp.Header.Get(headerBatchTag),
	}
	if next := resp.Header.Get(headerNextBatchTag); next != "" && next != nullTag {
		page.NextBatchTag = &next
	}
	return page, nil
}

// FetchAudit returns the signature metadata for a downloaded page.
func (c *Client) FetchAudit(ctx context.Context, date time.Time, tag string) ([]models.AuditEntry, error) {
	path := "/diagnosiskeys/audit/download/" + models.FormatDate(date) + "/" + url.PathEscape(tag)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audit %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch audit", resp)
	}
	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audit %s: %w", tag, err)
	}
	var entries []models.AuditEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode audit %s: %w", tag, err)
	}
	return entries, nil
}

// readBody reads at most maxPageBody bytes and fails rather than truncate.
func (c *Client) readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.maxPageBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxPageBody {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, c.maxPageBody)
	}
	return body, nil
}

func (c *Client) RegisterCallback(ctx context.Context, id, callbackURL string) error {
	path := "/diagnosiskeys/callback/" + url.PathEscape(id) + "?url=" + url.QueryEscape(callbackURL)
	return c.callbackRequest(ctx, http.MethodPut, path, "register callback")
}

func (c *Client) DeleteCallback(ctx context.Context, id string) error {
	return c.callbackRequest(ctx, http.MethodDelete, "/diagnosiskeys/callback/"+url.PathEscape(id), "delete callback")
}

func (c *Client) ListCallbacks(ctx context.Context) ([]Callback, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/diagnosiskeys/callback", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("list callbacks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list callbacks", resp)
	}
	var callbacks []Callback
	if err := json.NewDecoder(resp.Body).Decode(&callbacks); err != nil {
		return nil, fmt.Errorf("decode callbacks: %w", err)
	}
	return callbacks, nil
}

func (c *Client) callbackRequest(ctx context.Context, method, path, op string) error {
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

// do sends req through the breaker. Transport errors and 5xx responses
// count as failures.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit %s open: %w", c.breaker.Name(), sentinel.ErrUnavailable)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(req.Context(), false)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	c.record(req.Context(), resp.StatusCode < http.StatusInternalServerError)
	return resp, nil
}

func (c *Client) record(ctx context.Context, ok bool) {
	if c.breaker == nil {
		return
	}
	if ok {
		if _, change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.InfoContext(ctx, "gateway circuit closed", "breaker", c.breaker.Name())
		}
		return
	}
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "gateway circuit opened", "breaker", c.breaker.Name())
	}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
