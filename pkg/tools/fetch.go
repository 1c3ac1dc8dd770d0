package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"synapse/pkg/api"
	"synapse/pkg/llm"
	"synapse/pkg/utils"
)

// defaultFetchCap bounds the response body when the call gives no cap.
const defaultFetchCap = 512 * 1024

type fetchRequest struct {
	URL      string `mapstructure:"url"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

func (r fetchRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

type fetcher struct {
	client *http.Client
}

// NewFetchURL builds the fetch_url tool. A nil client gets a default with
// a request timeout; tests inject their own.
func NewFetchURL(client *http.Client) api.Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &fetcher{client: client}
	return NewAdapter(llm.ToolDefinition{
		Name:        "fetch_url",
		Description: "Fetches a URL over HTTP GET and returns its contents. Text comes back as text; images come back as image data.",
		Parameters: map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch. A missing scheme defaults to https.",
			},
			"max_bytes": map[string]any{
				"type":        "integer",
				"description": "Response size cap in bytes (default 524288).",
			},
		},
		Required: []string{"url"},
	}, f.execute)
}

func (f *fetcher) execute(ctx context.Context, req fetchRequest) (*api.ToolResult, error) {
	url := req.URL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	limit := req.MaxBytes
	if limit <= 0 {
		limit = defaultFetchCap
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	httpReq.Header.Set("User-Agent", "synapse/1.0")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	// Read one byte past the cap to know whether we truncated.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	truncated := len(body) > limit
	if truncated {
		body = body[:limit]
	}

	mime, ext := utils.DetectMimeAndExt(body)
	details := map[string]any{
		"url":       url,
		"mime_type": mime,
		"ext":       ext,
		"bytes":     len(body),
		"truncated": truncated,
	}

	if strings.HasPrefix(mime, "image/") {
		return &api.ToolResult{
			Content: []api.ContentBlock{{
				Type:     "image",
				Data:     base64.StdEncoding.EncodeToString(body),
				MimeType: mime,
			}},
			Details: details,
		}, nil
	}

	text := string(body)
	if truncated {
		text += "\n... (response truncated)"
	}
	return &api.ToolResult{
		Content: []api.ContentBlock{{Type: "text", Text: text}},
		Details: details,
	}, nil
}
