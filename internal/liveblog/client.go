package liveblog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClientOptions configures a Client. Zero values fall back to defaults.
type ClientOptions struct {
	Endpoint   string
	Username   string
	Password   string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     zerolog.Logger
}

// Client talks JSON to one Liveblog-compatible API. It acquires a session
// token lazily via /auth and retries transient failures with backoff.
type Client struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     zerolog.Logger

	mu    sync.Mutex
	token string
}

func NewClient(opts ClientOptions) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		username:   strings.TrimSpace(opts.Username),
		password:   opts.Password,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Login posts the configured credentials to /auth and caches the session
// token. Safe to call repeatedly; every call refreshes the token.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]any{
		"username": c.username,
		"password": c.password,
	}
	res, err := c.doJSON(ctx, http.MethodPost, "/auth", nil, "", body, http.StatusCreated)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	token, _ := res["token"].(string)
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("login failed: %w", ErrNotLoggedIn)
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// GetJSON fetches path with an optional raw query string.
func (c *Client) GetJSON(ctx context.Context, path, rawQuery string) (map[string]any, error) {
	requestPath := path
	if rawQuery != "" {
		requestPath = path + "?" + rawQuery
	}
	return c.doJSON(ctx, http.MethodGet, requestPath, nil, "", nil, http.StatusOK)
}

func (c *Client) PostJSON(ctx context.Context, path string, body any, expectStatus int) (map[string]any, error) {
	return c.doJSON(ctx, http.MethodPost, path, nil, "", body, expectStatus)
}

// PatchJSON sends a conditional patch. The etag travels as If-Match; the
// server rejecting it surfaces as a ConflictError.
func (c *Client) PatchJSON(ctx context.Context, path string, body any, etag string, expectStatus int) (map[string]any, error) {
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = etag
	}
	return c.doJSON(ctx, http.MethodPatch, path, headers, etag, body, expectStatus)
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	etag string,
	body any,
	expectStatus int,
) (map[string]any, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if token := c.sessionToken(); token != "" {
			req.Header.Set("Authorization", token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == expectStatus || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
			if len(payloadBytes) == 0 {
				return map[string]any{}, nil
			}
			var out map[string]any
			if err := json.Unmarshal(payloadBytes, &out); err != nil {
				return nil, err
			}
			return out, nil
		}

		// an expired session gets one re-login before the request is judged
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 && requestPath != "/auth" && c.username != "" {
			if err := c.Login(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed {
			return nil, &ConflictError{Path: requestPath, Etag: etag}
		}

		var errPayload struct {
			Code    string `json:"_status"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

// UploadMedia posts the staged file at tmpPath as multipart form data to
// /archive and returns the created media resource.
func (c *Client) UploadMedia(ctx context.Context, tmpPath string) (map[string]any, error) {
	file, err := os.Open(tmpPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("media", filepath.Base(tmpPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/archive", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token := c.sessionToken(); token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payloadBytes))}
	}
	var out map[string]any
	if err := json.Unmarshal(payloadBytes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadFile stages the resource at href into a temp file and returns its
// path. The caller owns cleanup of the staged file.
func (c *Client) DownloadFile(ctx context.Context, href string) (string, error) {
	if _, err := url.Parse(href); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: "download failed"}
	}
	tmpFile, err := os.CreateTemp("", "livesync-media-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return "", err
	}
	return tmpFile.Name(), nil
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
