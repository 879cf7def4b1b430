package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// client calls the admin routes of one server.
type client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      *logrus.Logger
}

func newClient(baseURL, username, password string, timeout time.Duration, log *logrus.Logger) *client {
	return &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// apiError is the server's error envelope.
type apiError struct {
	CID     string `json:"cid"`
	Details string `json:"details"`
}

// do sends one request and returns the response body of a 2xx answer.
func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.log.Debugf("%s %s", method, req.URL)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debugf("%s %s -> %d", method, req.URL, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Details != "" {
			return nil, fmt.Errorf("server returned %d: %s (cid:%s)", resp.StatusCode, apiErr.Details, apiErr.CID)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return data, nil
}

// doJSON sends in as JSON, when given, and decodes the answer into out.
func (c *client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(raw))
	}

	data, err := c.do(ctx, method, path, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
