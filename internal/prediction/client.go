// Package prediction calls the chatflow prediction API.
package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Upload struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Data string `json:"data"`
	Mime string `json:"mime"`
}

type Request struct {
	Question string   `json:"question"`
	Uploads  []Upload `json:"uploads,omitempty"`
}

type Response struct {
	Text string `json:"text"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Predict posts req to /api/v1/prediction/{flowID}. Any non-2xx status is an
// error.
func (c *Client) Predict(ctx context.Context, flowID string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	var resp Response
	if err := c.do(ctx, http.MethodPost, "/api/v1/prediction/"+url.PathEscape(flowID), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type uploadsConfig struct {
	IsImageUploadAllowed bool `json:"isImageUploadAllowed"`
}

// ImageUploadAllowed reports whether the chatflow accepts image uploads.
func (c *Client) ImageUploadAllowed(ctx context.Context, flowID string) (bool, error) {
	var cfg uploadsConfig
	if err := c.do(ctx, http.MethodGet, "/api/v1/chatflows-uploads/"+url.PathEscape(flowID), nil, &cfg); err != nil {
		return false, err
	}
	return cfg.IsImageUploadAllowed, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
