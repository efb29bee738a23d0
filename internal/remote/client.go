// Package remote talks to the authority that holds the
// canonical wizard progress record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/wesm/wizardsync/internal/wizard"
)

const (
	progressPath = "/api/v1/progress"
	stepsPath    = "/api/v1/progress/steps"
	versionPath  = "/api/v1/version"

	maxBodyBytes   = 4 << 20
	defaultTimeout = 30 * time.Second
)

// StepResult is the authority's answer to a step completion.
// NextStep is empty when the wizard is finished.
type StepResult struct {
	State    wizard.Record
	NextStep wizard.Step
}

// VersionInfo mirrors the authority's build metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Client is an HTTP client for the authority API.
type Client struct {
	baseURL   string
	http      *http.Client
	token     TokenSource
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Nil is
// ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets the session token source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a Client for the authority at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: "wizardsync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the authority URL without trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchProgress returns the canonical record for the session.
func (c *Client) FetchProgress(
	ctx context.Context,
) (wizard.Record, error) {
	const op = "fetch progress"
	body, err := c.do(ctx, op, http.MethodGet, progressPath, nil)
	if err != nil {
		return wizard.Record{}, err
	}
	rec, err := decodeRecord(gjson.ParseBytes(body))
	if err != nil {
		return wizard.Record{}, &NetworkError{Op: op, Err: err}
	}
	return rec, nil
}

// CompleteStep submits payload as the completion of step.
func (c *Client) CompleteStep(
	ctx context.Context, step wizard.Step, payload wizard.Payload,
) (StepResult, error) {
	const op = "complete step"
	if payload == nil {
		payload = wizard.Payload{}
	}
	reqBody, err := json.Marshal(struct {
		Step    wizard.Step    `json:"step"`
		Payload wizard.Payload `json:"payload"`
	}{step, payload})
	if err != nil {
		return StepResult{}, fmt.Errorf("encoding request: %w", err)
	}

	body, err := c.do(ctx, op, http.MethodPost, stepsPath, reqBody)
	if err != nil {
		return StepResult{}, err
	}
	root := gjson.ParseBytes(body)
	state := root.Get("state")
	if !state.IsObject() {
		return StepResult{}, &NetworkError{
			Op: op, Err: fmt.Errorf("%w: missing state", ErrMalformed),
		}
	}
	rec, err := decodeRecord(state)
	if err != nil {
		return StepResult{}, &NetworkError{Op: op, Err: err}
	}
	res := StepResult{State: rec}
	if next := root.Get("nextStep"); next.Type == gjson.String {
		res.NextStep = wizard.Step(next.Str)
	}
	return res, nil
}

// Version returns the authority's build metadata.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	const op = "fetch version"
	body, err := c.do(ctx, op, http.MethodGet, versionPath, nil)
	if err != nil {
		return VersionInfo{}, err
	}
	var v VersionInfo
	if err := json.Unmarshal(body, &v); err != nil {
		return VersionInfo{}, &NetworkError{
			Op: op, Err: fmt.Errorf("%w: %v", ErrMalformed, err),
		}
	}
	return v, nil
}

// do performs one request and returns the body of a 2xx
// response. Non-2xx responses are converted to typed errors.
func (c *Client) do(
	ctx context.Context, op, method, path string, body []byte,
) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(
		ctx, method, c.baseURL+path, rdr,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &NetworkError{
			Op: op, Status: resp.StatusCode, Err: err,
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if !gjson.ValidBytes(data) {
			return nil, &NetworkError{
				Op: op, Status: resp.StatusCode,
				Err: fmt.Errorf("%w: invalid JSON", ErrMalformed),
			}
		}
		return data, nil
	}
	return nil, statusError(op, resp.StatusCode, data)
}

// statusError maps a non-2xx response to the error taxonomy:
// 4xx is a rejection by the authority, anything else is
// treated as a network-class failure.
func statusError(op string, status int, body []byte) error {
	msg := http.StatusText(status)
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "error"); m.Type == gjson.String && m.Str != "" {
			msg = m.Str
		}
	}
	if status < 400 || status >= 500 {
		return &NetworkError{Op: op, Status: status, Err: errors.New(msg)}
	}

	ve := &ValidationError{Status: status, Message: msg}
	gjson.GetBytes(body, "validationErrors").ForEach(
		func(_, f gjson.Result) bool {
			ve.Fields = append(ve.Fields, FieldError{
				Field:   f.Get("field").String(),
				Message: f.Get("message").String(),
			})
			return true
		},
	)
	return ve
}

// decodeRecord checks the fields a progress record cannot be
// used without and decodes it.
func decodeRecord(root gjson.Result) (wizard.Record, error) {
	if !root.IsObject() {
		return wizard.Record{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	if cs := root.Get("currentStep"); cs.Type != gjson.String || cs.Str == "" {
		return wizard.Record{}, fmt.Errorf("%w: currentStep", ErrMalformed)
	}
	if !root.Get("completedSteps").IsArray() {
		return wizard.Record{}, fmt.Errorf("%w: completedSteps", ErrMalformed)
	}
	if root.Get("progress").Type != gjson.Number {
		return wizard.Record{}, fmt.Errorf("%w: progress", ErrMalformed)
	}
	if u := root.Get("user"); u.Exists() && !u.IsObject() {
		return wizard.Record{}, fmt.Errorf("%w: user", ErrMalformed)
	}

	var rec wizard.Record
	if err := json.Unmarshal([]byte(root.Raw), &rec); err != nil {
		return wizard.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}
