// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agentapi talks to the remote multi-agent service: it opens
// streaming runs, interprets their Server-Sent-Events frames and exposes the
// service's auxiliary endpoints.
package agentapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Configuration constants for the agent service.
const (
	// DefaultBaseURL is the local development server.
	DefaultBaseURL = "http://127.0.0.1:8000"

	// DefaultAppName identifies this front end to the service.
	DefaultAppName = "Practia"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps non-streaming bodies (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	// APIKeyHeader carries the optional service key.
	APIKeyHeader = "X-API-Key"

	// cloudFunctionsHost selects the hosted endpoint layout.
	cloudFunctionsHost = "cloudfunctions.net"
)

var (
	// sharedStreamingClient has no overall timeout; streams are bounded by
	// the caller's context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
)

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	AppName string

	// Timeout applies to non-streaming calls only.
	Timeout time.Duration

	// HTTPClient overrides the shared streaming client.
	HTTPClient *http.Client

	// Pacer is waited on after every frame. Nil yields the scheduler.
	Pacer Pacer

	Logger zerolog.Logger
}

// Client is safe for concurrent use; each call to Open creates an
// independent session.
type Client struct {
	baseURL string
	apiKey  string
	appName string
	timeout time.Duration
	http    *http.Client
	pacer   Pacer
	log     zerolog.Logger
}

// NewClient builds a client from opts, filling in defaults.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		appName: opts.AppName,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		pacer:   opts.Pacer,
		log:     opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.appName == "" {
		c.appName = DefaultAppName
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = sharedStreamingClient
	}
	if c.pacer == nil {
		c.pacer = yieldPacer{}
	}
	return c
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// hosted reports whether the service is deployed behind Cloud Functions,
// which exposes different route names.
func (c *Client) hosted() bool {
	return strings.Contains(c.baseURL, cloudFunctionsHost)
}

func (c *Client) runEndpoint() string {
	if c.hosted() {
		return "/practia_agent"
	}
	return "/run_sse"
}

func (c *Client) healthEndpoint() string {
	if c.hosted() {
		return "/health_check"
	}
	return "/health"
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Request is one user turn sent to the service.
type Request struct {
	SessionID string
	UserID    string
	Message   string
	Locale    string
}

type messagePart struct {
	Text string `json:"text"`
}

type newMessage struct {
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

type runRequest struct {
	AppName    string         `json:"appName"`
	UserID     string         `json:"userId"`
	SessionID  string         `json:"sessionId"`
	NewMessage newMessage     `json:"newMessage"`
	Streaming  bool           `json:"streaming"`
	StateDelta map[string]any `json:"stateDelta"`
	Locale     string         `json:"locale,omitempty"`
}

// runResponse is the non-streaming answer shape.
type runResponse struct {
	Content struct {
		Parts []messagePart `json:"parts"`
		Role  string        `json:"role"`
	} `json:"content"`
	InvocationID string  `json:"invocationId"`
	Author       string  `json:"author"`
	Timestamp    float64 `json:"timestamp"`
}

func (r *runResponse) text() string {
	if len(r.Content.Parts) == 0 {
		return ""
	}
	return r.Content.Parts[0].Text
}

func (c *Client) buildRunRequest(req Request) runRequest {
	return runRequest{
		AppName:   c.appName,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		NewMessage: newMessage{
			Role:  "user",
			Parts: []messagePart{{Text: req.Message}},
		},
		Streaming:  true,
		StateDelta: map[string]any{},
		Locale:     req.Locale,
	}
}

// =============================================================================
// AUXILIARY ENDPOINTS
// =============================================================================

// Health is the service's health check answer.
type Health struct {
	Status string `json:"status"`
	Agent  string `json:"agent"`
}

// AgentInfo describes the root agent exposed by the service.
type AgentInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

// Health queries the health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, c.healthEndpoint(), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// AgentInfo fetches the agent description.
func (c *Client) AgentInfo(ctx context.Context) (*AgentInfo, error) {
	var info AgentInfo
	if err := c.getJSON(ctx, "/agent-info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// getJSON performs a bounded GET and decodes the JSON body into out. Error
// bodies of the form {"detail": "..."} are surfaced as the message.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return &TransportError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		msg := ""
		if json.Unmarshal(body, &detail) == nil {
			msg = detail.Detail
		}
		return &TransportError{StatusCode: resp.StatusCode, Body: msg}
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
