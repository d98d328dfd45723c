// Package strava is the upload-boundary client for the Strava v3 bulk
// upload API. It classifies responses into the shared error taxonomy so
// the orchestrator never has to look at HTTP details.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
	httputil "github.com/ripixel/strava-bulk-importer/pkg/infrastructure/http"
)

// Client talks to the Strava uploads API. The HTTP client is expected to
// carry OAuth credentials (oauth.Transport).
type Client struct {
	client  *http.Client
	baseURL string

	// onHeaders receives response headers of every API call, so the rate
	// limiter can absorb the X-RateLimit-* usage counters.
	onHeaders func(http.Header)

	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHeaderObserver registers a callback invoked with the response
// headers of every API call.
func WithHeaderObserver(fn func(http.Header)) Option {
	return func(c *Client) { c.onHeaders = fn }
}

// NewClient creates a Strava uploads client.
func NewClient(httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		client:  httpClient,
		baseURL: strings.TrimSuffix(shared.StravaUploadURL, "/uploads"),
		logger:  logger.With("component", "strava"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// uploadResponse is the body of both the upload POST and the status GET.
type uploadResponse struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	ActivityID int64  `json:"activity_id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// Submit uploads a whole activity file and returns the upload handle.
func (c *Client) Submit(ctx context.Context, filename string, data []byte) (int64, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return 0, fmt.Errorf("build multipart form: %w", err)
	}
	part.Write(data)
	writer.WriteField("data_type", "fit")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/uploads", bytes.NewReader(body.Bytes()))
	if err != nil {
		return 0, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		var out uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, &shared.NetworkError{Err: fmt.Errorf("decode upload response: %w", err)}
		}
		c.logger.Debug("Upload accepted", "file", filename, "upload_id", out.ID, "status", out.Status)
		return out.ID, nil

	case resp.StatusCode == http.StatusConflict:
		// Strava answers 409 when it recognises the file at submit time.
		var out uploadResponse
		json.NewDecoder(resp.Body).Decode(&out)
		return 0, &shared.DuplicateError{UploadID: out.ID}

	default:
		return 0, c.classifyError(resp)
	}
}

// CheckStatus resolves the current processing state of an upload handle.
func (c *Client) CheckStatus(ctx context.Context, uploadID int64) (shared.UploadStatus, error) {
	url := fmt.Sprintf("%s/uploads/%d", c.baseURL, uploadID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return shared.UploadStatus{}, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return shared.UploadStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return shared.UploadStatus{}, c.classifyError(resp)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return shared.UploadStatus{}, &shared.NetworkError{Err: fmt.Errorf("decode status response: %w", err)}
	}

	return classifyStatus(out), nil
}

// classifyStatus maps a status body to the boundary's UploadStatus. The
// activity id is authoritative; the status text decides the rest.
func classifyStatus(out uploadResponse) shared.UploadStatus {
	switch {
	case out.ActivityID != 0:
		return shared.UploadStatus{State: shared.UploadReady, ActivityID: out.ActivityID}
	case strings.Contains(strings.ToLower(out.Error), "duplicate") ||
		strings.Contains(strings.ToLower(out.Status), "duplicate"):
		return shared.UploadStatus{State: shared.UploadDuplicate}
	case out.Error != "":
		return shared.UploadStatus{State: shared.UploadError, Reason: out.Error}
	case strings.Contains(strings.ToLower(out.Status), "error"):
		return shared.UploadStatus{State: shared.UploadError, Reason: out.Status}
	default:
		return shared.UploadStatus{State: shared.UploadProcessing}
	}
}

// do executes a request, feeds the header observer, and normalises
// transport-level failures into NetworkError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		var authErr *shared.AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &shared.NetworkError{Err: err}
	}
	if c.onHeaders != nil {
		c.onHeaders(resp.Header)
	}
	return resp, nil
}

// classifyError maps non-success responses to the shared taxonomy.
// Consumes the response body.
func (c *Client) classifyError(resp *http.Response) error {
	httpErr := httputil.ParseErrorResponse(resp)
	if httpErr == nil {
		httpErr = fmt.Errorf("unexpected response status %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := httputil.ParseRetryAfter(resp.Header)
		c.logger.Warn("Rate limited by Strava", "retry_after", retryAfter)
		return &shared.ThrottledError{RetryAfter: retryAfter}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The oauth transport already spent its one refresh-and-retry.
		return &shared.AuthError{Reason: httpErr.Error()}

	case resp.StatusCode >= 500:
		return &shared.NetworkError{Err: httpErr}

	default:
		return &shared.RejectedError{Reason: httpErr.Error()}
	}
}
