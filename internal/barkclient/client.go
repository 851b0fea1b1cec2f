package barkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Bark notification levels.
const (
	LevelActive  = "active"
	LevelPassive = "passive"
)

// Client is a thin wrapper over the Bark server HTTP API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// Push is a plaintext notification for one Bark device key.
type Push struct {
	DeviceKey string `json:"device_key"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Group     string `json:"group,omitempty"`
	Level     string `json:"level,omitempty"`
}

// New creates a Bark API client.
func New(rawURL, token string, timeout time.Duration) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		baseURL: parsed,
		token:   token,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Ping checks Bark server health.
func (c *Client) Ping(ctx context.Context) (*CommonResponse[map[string]any], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("/ping"), nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ping failed: %s", resp.Status)
	}
	var payload CommonResponse[map[string]any]
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SendPush posts a plaintext notification to the Bark /push endpoint.
func (c *Client) SendPush(ctx context.Context, push Push) (*CommonResponse[struct{}], error) {
	return c.post(ctx, "/push", push)
}

// SendEncryptedPush posts ciphertext to the device's push endpoint.
func (c *Client) SendEncryptedPush(ctx context.Context, deviceKey, ciphertext, iv string) (*CommonResponse[struct{}], error) {
	return c.post(ctx, "/"+deviceKey, map[string]string{
		"ciphertext": ciphertext,
		"iv":         iv,
	})
}

func (c *Client) post(ctx context.Context, p string, payload any) (*CommonResponse[struct{}], error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(p), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push http status %s", resp.Status)
	}
	var out CommonResponse[struct{}]
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	return u.String()
}

func (c *Client) decorate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("API-TOKEN", c.token)
	}
}

// BaseURL returns the configured Bark server URL without trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL.String(), "/")
}

// CommonResponse models Bark server standard response.
type CommonResponse[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Data      T      `json:"data"`
}
