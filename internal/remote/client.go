// Package remote wraps the HTTP endpoints of the transformation service.
// Calls are single attempts; retry policy belongs to the caller.
package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/BadgerOps/ijec/internal/safety"
)

const (
	// maxJSONBody bounds envelope responses.
	maxJSONBody = 1 << 20
	// maxDownload bounds the result archive.
	maxDownload = 2 << 30
)

// Endpoint paths.
const (
	PathGetToken     = "/encrypt/getToken"
	PathTokenState   = "/encrypt/token/state"
	PathUploadCreate = "/upload/create"
	PathUploadChunk  = "/upload/chunk"
	PathStart        = "/encrypt/start"
	PathState        = "/encrypt/state"
	PathDownload     = "/encrypt/download"
	PathEnd          = "/encrypt/end"
	PathStopAll      = "/encrypt/stopAll"
)

// UploadPlan is the body of /upload/create.
type UploadPlan struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunkSize"`
	Total     int64  `json:"total"`
}

// State is the progress reported by /encrypt/state.
type State struct {
	Process int  `json:"process"`
	Finish  bool `json:"finish"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client talks to one remote service on behalf of one app.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a client. httpClient may be nil.
func NewClient(baseURL, appID, appSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appID:      appID,
		appSecret:  appSecret,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  "ijec/1.0",
	}
}

// GetToken issues a new job token.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	var data struct {
		Token string `json:"token"`
	}
	headers := map[string]string{"app-secret": c.appSecret}
	if err := c.call(ctx, PathGetToken, headers, nil, "", &data); err != nil {
		return "", err
	}
	if data.Token == "" {
		return "", &HTTPError{Endpoint: PathGetToken, StatusCode: http.StatusOK, Status: "response carries no token"}
	}
	return data.Token, nil
}

// TokenState returns nil while token is still live on the server.
func (c *Client) TokenState(ctx context.Context, token string) error {
	return c.call(ctx, PathTokenState, tokenHeader(token), nil, "", nil)
}

// CreateUpload announces the archive about to be uploaded.
func (c *Client) CreateUpload(ctx context.Context, token string, plan UploadPlan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding upload plan: %w", err)
	}
	return c.call(ctx, PathUploadCreate, tokenHeader(token), body, "application/json", nil)
}

// UploadChunk sends one chunk and returns the next cursor the server
// expects.
func (c *Client) UploadChunk(ctx context.Context, token string, index int64, chunk []byte) (int64, error) {
	sum := md5.Sum(chunk)
	headers := tokenHeader(token)
	headers["chunk-id"] = strconv.FormatInt(index, 10)
	headers["hash"] = hex.EncodeToString(sum[:])

	var data struct {
		Current *int64 `json:"current"`
	}
	if err := c.call(ctx, PathUploadChunk, headers, chunk, "application/octet-stream", &data); err != nil {
		return 0, err
	}
	if data.Current == nil {
		return 0, &HTTPError{Endpoint: PathUploadChunk, StatusCode: http.StatusOK, Status: "response carries no cursor"}
	}
	return *data.Current, nil
}

// StartEncrypt starts the transformation of the uploaded archive.
func (c *Client) StartEncrypt(ctx context.Context, token string) error {
	return c.call(ctx, PathStart, tokenHeader(token), nil, "", nil)
}

// EncryptState polls the transformation progress.
func (c *Client) EncryptState(ctx context.Context, token string) (*State, error) {
	state := &State{}
	if err := c.call(ctx, PathState, tokenHeader(token), nil, "", state); err != nil {
		return nil, err
	}
	return state, nil
}

// Download fetches the result archive.
func (c *Client) Download(ctx context.Context, token string) ([]byte, error) {
	resp, err := c.post(ctx, PathDownload, tokenHeader(token), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(PathDownload, resp); err != nil {
		return nil, err
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxDownload)
	if err != nil {
		return nil, fmt.Errorf("%s: reading body: %w", PathDownload, err)
	}

	// Errors are reported as a JSON envelope instead of archive bytes.
	if isJSON(resp.Header.Get("Content-Type")) {
		if _, err := decodeEnvelope(PathDownload, resp, data, nil); err != nil {
			return nil, err
		}
		return nil, &HTTPError{Endpoint: PathDownload, StatusCode: resp.StatusCode, Status: "expected archive, got JSON"}
	}
	return data, nil
}

// End releases the token on the server.
func (c *Client) End(ctx context.Context, token string) error {
	return c.call(ctx, PathEnd, tokenHeader(token), nil, "", nil)
}

// StopAll stops every job of the app. It authenticates with the app secret.
func (c *Client) StopAll(ctx context.Context) error {
	return c.call(ctx, PathStopAll, map[string]string{"app-secret": c.appSecret}, nil, "", nil)
}

func tokenHeader(token string) map[string]string {
	return map[string]string{"token": token}
}

// call posts to path and decodes the envelope's data into out when out is
// not nil.
func (c *Client) call(ctx context.Context, path string, headers map[string]string, body []byte, contentType string, out any) error {
	resp, err := c.post(ctx, path, headers, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(path, resp); err != nil {
		return err
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxJSONBody)
	if err != nil {
		return fmt.Errorf("%s: reading body: %w", path, err)
	}
	env, err := decodeEnvelope(path, resp, data, out)
	if err != nil {
		return err
	}
	c.logger.Debug("remote call", "endpoint", path, "code", env.Code)
	return nil
}

func (c *Client) post(ctx context.Context, path string, headers map[string]string, body []byte, contentType string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", path, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("app-id", c.appID)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: http request failed: %w", path, err)
	}
	return resp, nil
}

func checkStatus(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
	return &HTTPError{
		Endpoint:   path,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// decodeEnvelope parses {code, msg, data}. A non-zero code becomes an
// APIError carrying any cursor the server included.
func decodeEnvelope(path string, resp *http.Response, data []byte, out any) (*envelope, error) {
	env := &envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, &HTTPError{
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Status:     fmt.Sprintf("malformed response: %v", err),
			Body:       truncate(string(data), 256),
		}
	}

	if env.Code != 0 {
		apiErr := &APIError{Endpoint: path, Code: env.Code, Message: env.Msg}
		var cursor struct {
			Current *int64 `json:"current"`
		}
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &cursor) == nil {
			apiErr.Current = cursor.Current
		}
		return nil, apiErr
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, &HTTPError{
				Endpoint:   path,
				StatusCode: resp.StatusCode,
				Status:     fmt.Sprintf("malformed data: %v", err),
				Body:       truncate(string(data), 256),
			}
		}
	}
	return env, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
