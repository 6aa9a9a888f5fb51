package main

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
	"time"

	"github.com/hyperjump/chishiki/internal/models"
)

// apiClient talks to a running server so the CLI does not open the database and
// indices the server holds.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(serverURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(serverURL, "/") + "/api/v1",
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx server response.
type apiError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *apiError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("server returned %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var payload struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.RequestID = payload.RequestID
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), out)
}

func (c *apiClient) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	var resp models.SearchResponse
	if err := c.postJSON(ctx, "/search", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Ask(ctx context.Context, question string, topK int) (*models.Answer, error) {
	in := map[string]interface{}{"question": question}
	if topK > 0 {
		in["top_k"] = topK
	}
	var answer models.Answer
	if err := c.postJSON(ctx, "/qa/ask", in, &answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

// Upload sends the file at path for queued ingestion.
func (c *apiClient) Upload(ctx context.Context, path string) (*models.Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var doc models.Document
	if err := c.do(ctx, http.MethodPost, "/documents/upload", mw.FormDataContentType(), &buf, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *apiClient) Documents(ctx context.Context, status models.DocumentStatus, limit int) ([]*models.Document, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Documents []*models.Document `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *apiClient) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/documents/"+strconv.FormatInt(id, 10), "", nil, nil)
}

func (c *apiClient) Status(ctx context.Context) (*statusResponse, error) {
	var s statusResponse
	if err := c.do(ctx, http.MethodGet, "/status", "", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
