// Package pulp is the client library for administering a Pulp server
// hosting docker repositories and signature stores.
package pulp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/internal/config"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

const (
	apiBase = "/pulp/api/v2"

	// HiddenRepo transiently holds every uploaded layer so nothing is
	// orphaned before reaching its target repository.
	HiddenRepo = "redhat-everything"
	// SigstoreRepo holds detached signatures as iso units.
	SigstoreRepo = "redhat-sigstore"

	repoPrefix = "redhat-"
)

// Client is the single chokepoint for all Pulp server calls.
type Client struct {
	env          *config.Environment
	distributors map[string]config.DistributorTemplate
	policies     map[string]config.DistributionPolicy

	session  *Session
	insecure bool

	mu   sync.Mutex
	http *retryablehttp.Client

	negotiate    sync.Once
	negotiateErr error
	releaseOrder []string

	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithSession attaches the credential pair used for client TLS auth.
func WithSession(s *Session) Option {
	return func(c *Client) { c.session = s }
}

// WithDistributors supplies the distributor template catalog.
func WithDistributors(d map[string]config.DistributorTemplate) Option {
	return func(c *Client) { c.distributors = d }
}

// WithDistributionPolicies supplies the distribution policy map.
func WithDistributionPolicies(p map[string]config.DistributionPolicy) Option {
	return func(c *Client) { c.policies = p }
}

// WithInsecureTLS disables hostname verification. Only for environments
// explicitly configured that way.
func WithInsecureTLS() Option {
	return func(c *Client) { c.insecure = true }
}

// WithPollInterval overrides the task watcher cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient builds a client for one environment.
func NewClient(env *config.Environment, opts ...Option) *Client {
	c := &Client{
		env:          env,
		distributors: map[string]config.DistributorTemplate{},
		policies:     map[string]config.DistributionPolicy{},
		releaseOrder: env.ReleaseOrder,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Environment returns the environment this client talks to.
func (c *Client) Environment() *config.Environment { return c.env }

// Session returns the active session, if any.
func (c *Client) Session() *Session { return c.session }

// SetSession replaces the active session; the next call rebuilds transport.
func (c *Client) SetSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.http = nil
}

func (c *Client) httpClient() (*retryablehttp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		return c.http, nil
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: c.insecure} // #nosec G402 -- per-environment opt-in
	if c.session != nil && c.session.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.session.CertPath, c.session.KeyPath)
		if err != nil {
			return nil, &common.Error{Kind: common.ErrLogin, Message: "cannot load session credentials", Err: err}
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = c.env.Retries
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return false, err
		}
		switch resp.StatusCode {
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true, nil
		}
		return false, nil
	}
	rc.HTTPClient = &http.Client{
		Timeout:   5 * time.Minute,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	c.http = rc
	return rc, nil
}

// result is what one server exchange produced.
type result struct {
	Status int
	Body   json.RawMessage
	// TaskID is set when the server answered 202 with a spawned task.
	TaskID string
}

type callOpts struct {
	rawBody     io.ReadSeeker
	contentType string
	noLogBody   bool
}

// call issues one request against the Pulp API namespace. body is JSON
// encoded unless a raw body is supplied. Status-based retries and the error
// taxonomy live here and nowhere else.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, body interface{}, opts *callOpts) (*result, error) {
	if path != "/status/" {
		c.negotiate.Do(func() { c.negotiateErr = c.negotiateVersion(ctx) })
		if c.negotiateErr != nil {
			return nil, c.negotiateErr
		}
	}

	rc, err := c.httpClient()
	if err != nil {
		return nil, err
	}

	u := c.env.PulpURL + apiBase + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody interface{}
	contentType := "application/json"
	if opts != nil && opts.rawBody != nil {
		reqBody = opts.rawBody
		contentType = opts.contentType
	} else if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &common.Error{Kind: common.ErrInternal, Message: "cannot encode request body", Err: err}
		}
		if opts == nil || !opts.noLogBody {
			logger.Debug("pulp request", "method", method, "url", u, "body", string(data))
		}
		reqBody = data
	} else {
		logger.Debug("pulp request", "method", method, "url", u)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, &common.Error{Kind: common.ErrInternal, Message: "cannot build request", URL: u, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := rc.Do(req)
	if err != nil {
		if isTLSError(err) {
			return nil, &common.Error{Kind: common.ErrLogin, Message: "login expired, please login again", URL: u, Err: err}
		}
		return nil, &common.Error{Kind: common.ErrServer, Message: "request failed", URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "cannot read response", URL: u, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, &common.Error{Kind: common.ErrLogin, Message: "not authorized, please login", Status: resp.StatusCode, URL: u}
	case resp.StatusCode == http.StatusAccepted:
		id, err := firstSpawnedTask(data)
		if err != nil {
			return nil, &common.Error{Kind: common.ErrProtocol, Message: "202 without spawned task", Status: resp.StatusCode, URL: u, Err: err}
		}
		return &result{Status: resp.StatusCode, Body: data, TaskID: id}, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &common.Error{Kind: common.ErrServer, Message: "server error after retries", Status: resp.StatusCode, URL: u}
	case resp.StatusCode == http.StatusConflict:
		return nil, &common.Error{Kind: common.ErrServer, Message: "conflict: " + strings.TrimSpace(string(data)), Status: resp.StatusCode, URL: u}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "unexpected response: " + strings.TrimSpace(string(data)), Status: resp.StatusCode, URL: u}
	}
	return &result{Status: resp.StatusCode, Body: data}, nil
}

func firstSpawnedTask(body []byte) (string, error) {
	var spawned struct {
		SpawnedTasks []struct {
			TaskID string `json:"task_id"`
		} `json:"spawned_tasks"`
	}
	if err := json.Unmarshal(body, &spawned); err != nil {
		return "", err
	}
	if len(spawned.SpawnedTasks) == 0 {
		return "", fmt.Errorf("no spawned tasks in response")
	}
	return spawned.SpawnedTasks[0].TaskID, nil
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &invalidCert) {
		return true
	}
	// retryablehttp wraps transport failures in url.Error; handshake
	// failures only show up in the message.
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") ||
		strings.Contains(msg, "certificate")
}

// getJSON is a convenience wrapper decoding a GET response into out.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	res, err := c.call(ctx, http.MethodGet, path, params, nil, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return &common.Error{Kind: common.ErrProtocol, Message: "cannot parse response for " + path, Err: err}
	}
	return nil
}

// postJSON posts body and decodes the response into out when non-nil.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	res, err := c.call(ctx, http.MethodPost, path, nil, body, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return &common.Error{Kind: common.ErrProtocol, Message: "cannot parse response for " + path, Err: err}
	}
	return nil
}

// postTask posts body and returns the spawned task id the server must answer
// with.
func (c *Client) postTask(ctx context.Context, path string, body interface{}) (string, error) {
	res, err := c.call(ctx, http.MethodPost, path, nil, body, nil)
	if err != nil {
		return "", err
	}
	if res.TaskID == "" {
		return "", &common.Error{Kind: common.ErrProtocol, Message: "expected an asynchronous task for " + path, Status: res.Status}
	}
	return res.TaskID, nil
}

// negotiateVersion reads the platform version once per environment and
// switches the release order when the server is at or past the configured
// threshold.
func (c *Client) negotiateVersion(ctx context.Context) error {
	if c.env.SwitchVer == "" || len(c.env.SwitchRelease) == 0 {
		return nil
	}
	res, err := c.call(ctx, http.MethodGet, "/status/", nil, nil, nil)
	if err != nil {
		return err
	}
	var status struct {
		Versions struct {
			PlatformVersion string `json:"platform_version"`
		} `json:"versions"`
	}
	if err := json.Unmarshal(res.Body, &status); err != nil {
		return &common.Error{Kind: common.ErrProtocol, Message: "cannot parse server status", Err: err}
	}

	current, err := semver.NewVersion(status.Versions.PlatformVersion)
	if err != nil {
		return &common.Error{Kind: common.ErrProtocol,
			Message: fmt.Sprintf("unparseable platform version %q", status.Versions.PlatformVersion), Err: err}
	}
	threshold, err := semver.NewVersion(c.env.SwitchVer)
	if err != nil {
		return common.Errorf(common.ErrConfig, "bad switch_ver %q", c.env.SwitchVer)
	}
	if !current.LessThan(threshold) {
		logger.Debug("switching release order", "platform", current.String(), "threshold", threshold.String())
		c.releaseOrder = c.env.SwitchRelease
	}
	return nil
}

// ReleaseOrder returns the distributor ordering in effect after version
// negotiation.
func (c *Client) ReleaseOrder() []string { return c.releaseOrder }

// Login authenticates with username and password and stores the issued
// certificate pair in a fresh session.
func (c *Client) Login(ctx context.Context, user, pass string) (*Session, error) {
	u := c.env.PulpURL + apiBase + "/actions/login/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(nil))
	if err != nil {
		return nil, &common.Error{Kind: common.ErrInternal, Message: "cannot build login request", Err: err}
	}
	req.SetBasicAuth(user, pass)

	hc := &http.Client{
		Timeout: time.Minute,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: c.insecure}, // #nosec G402
		},
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.ErrServer, Message: "login request failed", URL: u, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &common.Error{Kind: common.ErrLogin, Message: "invalid credentials", Status: resp.StatusCode, URL: u}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &common.Error{Kind: common.ErrServer, Message: "login failed", Status: resp.StatusCode, URL: u}
	}

	var creds struct {
		Certificate string `json:"certificate"`
		Key         string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "cannot parse login response", URL: u, Err: err}
	}

	session, err := NewSession()
	if err != nil {
		return nil, err
	}
	if err := session.Write([]byte(creds.Certificate), []byte(creds.Key)); err != nil {
		session.Close()
		return nil, &common.Error{Kind: common.ErrInternal, Message: "cannot store credentials", Err: err}
	}
	c.SetSession(session)
	return session, nil
}
