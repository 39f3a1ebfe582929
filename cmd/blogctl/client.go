package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/eringen/kvblog/content"
	"github.com/eringen/kvblog/token"
)

const tokenTTL = 5 * time.Minute

// apiClient sends authenticated mutations to the blog API. The bearer token
// is minted once per invocation.
type apiClient struct {
	base   string
	http   *http.Client
	bearer string
	logger *slog.Logger
}

func newAPIClient(base string, httpClient *http.Client, secret, issuer, subject string, logger *slog.Logger) (*apiClient, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is not set")
	}
	if issuer == "" {
		return nil, fmt.Errorf("no token issuer: set JWT_ISSUER or add \"issuer\" to the environments file")
	}
	tok, err := token.Mint(secret, issuer, subject, tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("minting token: %w", err)
	}
	return &apiClient{base: base, http: httpClient, bearer: "Bearer " + tok, logger: logger}, nil
}

// do sends body as JSON and returns the response body. Non-2xx responses
// become errors carrying the API's error label.
func (c *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		label := gjson.GetBytes(data, "error").String()
		if label == "" {
			label = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, label)
	}
	return data, nil
}

type publishPayload struct {
	Slug string           `json:"slug"`
	HTML string           `json:"html,omitempty"`
	MDX  string           `json:"mdx,omitempty"`
	Meta content.PostMeta `json:"meta"`
}

func (c *apiClient) publish(ctx context.Context, p publishPayload) error {
	_, err := c.do(ctx, http.MethodPost, "/api/posts", p)
	return err
}

func (c *apiClient) delete(ctx context.Context, slug string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/posts/"+url.PathEscape(slug), nil)
	return err
}

func (c *apiClient) updateMeta(ctx context.Context, slug string, meta content.PostMeta) (content.PostMeta, error) {
	data, err := c.do(ctx, http.MethodPut, "/api/posts/"+url.PathEscape(slug)+"/meta", meta)
	if err != nil {
		return content.PostMeta{}, err
	}
	var stored content.PostMeta
	if err := json.Unmarshal([]byte(gjson.GetBytes(data, "meta").Raw), &stored); err != nil {
		return content.PostMeta{}, fmt.Errorf("decoding response: %w", err)
	}
	return stored, nil
}

type reconcileResult struct {
	RemovedFromIndex []string `json:"removedFromIndex"`
	OrphanRecords    []string `json:"orphanRecords"`
}

func (c *apiClient) reconcile(ctx context.Context) (reconcileResult, error) {
	var out reconcileResult
	data, err := c.do(ctx, http.MethodPost, "/api/reconcile", nil)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
