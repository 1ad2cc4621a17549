// Package host implements the uniform client contract over the supported
// file and image hosts. Three incompatible auth models (API key, token
// login, session cookies) sit behind one interface; callers never branch
// on host type.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ByteCounter receives transferred byte counts. The engine's atomic
// counters satisfy this.
type ByteCounter interface {
	Add(n int64)
}

// ProgressFunc is invoked periodically during a transfer with bytes
// uploaded so far, the total, and the instantaneous rate in bytes/sec.
type ProgressFunc func(uploaded, total int64, rate float64)

// StopFunc is polled between chunks; returning true aborts the transfer
// cleanly at the next chunk boundary.
type StopFunc func() bool

// UploadResult is the outcome of one file upload.
type UploadResult struct {
	URL    string `json:"url"`
	FileID string `json:"file_id,omitempty"`
	// OrphanFileID is set when a stop request landed after the host had
	// already stored the file and the host offers no delete endpoint.
	// Flagged for later cleanup.
	OrphanFileID string `json:"orphan_file_id,omitempty"`
	Raw          string `json:"raw,omitempty"`
}

// UserInfo reports account storage and plan state.
type UserInfo struct {
	StorageTotal int64 `json:"storage_total"`
	StorageUsed  int64 `json:"storage_used"`
	StorageLeft  int64 `json:"storage_left"`
	Premium      bool  `json:"premium"`
}

// Client is the concrete host client. One instance per host; its session
// state is mutated only by this instance, never shared across hosts.
type Client struct {
	cfg     *Config
	creds   string
	cache   *TokenCache
	counter ByteCounter
	state   *SessionState
	http    *http.Client
}

// ErrStopped signals a cooperative abort requested via StopFunc.
var ErrStopped = errors.New("host: transfer stopped")

// IsStopped reports whether the error came from a cooperative stop rather
// than a genuine transfer failure.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}

// NewClient builds a client for one host. creds is opaque ("user:pass" or
// an API key); state, when non-nil, seeds the session so no fresh login is
// needed. If cache is non-nil and state is nil, cached state is loaded.
func NewClient(cfg *Config, creds string, cache *TokenCache, counter ByteCounter, state *SessionState) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		creds:   creds,
		cache:   cache,
		counter: counter,
		state:   state,
		http: &http.Client{
			Timeout: cfg.UploadTimeout(), // zero = unbounded
		},
	}
	if c.state == nil && cache != nil {
		cached, err := cache.Get(cfg.ID)
		if err != nil {
			return nil, err
		}
		c.state = cached
	}
	return c, nil
}

// HostID returns the host identifier this client talks to.
func (c *Client) HostID() string {
	return c.cfg.ID
}

// SessionState returns the current session state for persistence across
// restarts.
func (c *Client) SessionState() *SessionState {
	return c.state
}

// ensureAuth makes sure the client holds usable credentials-derived state,
// logging in (or proactively refreshing a near-expiry token) when needed.
func (c *Client) ensureAuth(ctx context.Context) error {
	if !c.cfg.RequiresAuth || c.cfg.AuthScheme == AuthAPIKey {
		if c.cfg.RequiresAuth && c.creds == "" {
			return newError(KindSecurity, c.cfg.ID, "no API key available", nil)
		}
		return nil
	}
	if !c.state.Expired(c.cfg.TokenTTL()) {
		return nil
	}
	return c.login(ctx)
}

// login authenticates and replaces the session state.
func (c *Client) login(ctx context.Context) error {
	if c.creds == "" {
		return newError(KindSecurity, c.cfg.ID, "no credentials available", nil)
	}
	username, password, ok := strings.Cut(c.creds, ":")
	if !ok {
		return newError(KindValidation, c.cfg.ID, "credentials must be in user:pass form", nil)
	}

	form := url.Values{}
	form.Set("login", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return newError(KindNetwork, c.cfg.ID, "failed to build login request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return newError(KindNetwork, c.cfg.ID, "login request failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &Error{Kind: KindAuth, HostID: c.cfg.ID, Reason: "rejected credentials", Raw: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindNetwork, HostID: c.cfg.ID,
			Reason: fmt.Sprintf("login returned HTTP %d", resp.StatusCode), Raw: string(body)}
	}

	state := &SessionState{IssuedAt: time.Now()}
	switch c.cfg.AuthScheme {
	case AuthTokenLogin:
		token, _ := jsonPath(body, c.cfg.TokenPath).(string)
		if token == "" {
			return &Error{Kind: KindAuth, HostID: c.cfg.ID, Reason: "login response carried no token", Raw: string(body)}
		}
		state.Token = token
	case AuthSession:
		state.Cookies = make(map[string]string)
		for _, ck := range resp.Cookies() {
			state.Cookies[ck.Name] = ck.Value
		}
		if len(state.Cookies) == 0 {
			return &Error{Kind: KindAuth, HostID: c.cfg.ID, Reason: "login produced no session cookies", Raw: string(body)}
		}
	}

	c.state = state
	if c.cache != nil {
		if err := c.cache.Put(c.cfg.ID, state); err != nil {
			return err
		}
	}
	return nil
}

// invalidate drops the current session state so the next call logs in
// fresh.
func (c *Client) invalidate() {
	c.state = nil
	if c.cache != nil {
		c.cache.Invalidate(c.cfg.ID)
	}
}

// withAuthRetry runs op with valid auth. On an auth-class failure it
// invalidates the session, re-authenticates once and retries op exactly
// once before surfacing the failure. This one-retry rule bounds the cost
// of stale-token races.
func (c *Client) withAuthRetry(ctx context.Context, op func(context.Context) error) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	err := op(ctx)
	if err == nil || !IsKind(err, KindAuth) {
		return err
	}
	c.invalidate()
	if authErr := c.ensureAuth(ctx); authErr != nil {
		return authErr
	}
	return op(ctx)
}

// applyAuth decorates a request with the scheme's credential material.
func (c *Client) applyAuth(req *http.Request) {
	switch c.cfg.AuthScheme {
	case AuthAPIKey:
		req.Header.Set("X-API-Key", c.creds)
	case AuthTokenLogin:
		if c.state != nil {
			req.Header.Set("Authorization", "Bearer "+c.state.Token)
		}
	case AuthSession:
		if c.state != nil {
			for name, value := range c.state.Cookies {
				req.AddCookie(&http.Cookie{Name: name, Value: value})
			}
		}
	}
}

// expand substitutes {file_id} and {token} placeholders in endpoint URLs.
func (c *Client) expand(endpoint, fileID string) string {
	token := ""
	if c.state != nil {
		token = c.state.Token
	}
	endpoint = strings.ReplaceAll(endpoint, "{file_id}", url.QueryEscape(fileID))
	return strings.ReplaceAll(endpoint, "{token}", url.QueryEscape(token))
}

// UploadFile streams the file to the host's upload endpoint, reporting
// progress and polling shouldStop between chunks. A stop request aborts
// the transfer at the next chunk boundary; if the host had already stored
// the file, the remote copy is deleted when the host supports deletion,
// otherwise its id is flagged as an orphan in the result.
func (c *Client) UploadFile(ctx context.Context, path string, onProgress ProgressFunc, shouldStop StopFunc) (*UploadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError(KindValidation, c.cfg.ID, "local file not found", err)
	}

	var result *UploadResult
	err = c.withAuthRetry(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = c.uploadOnce(ctx, path, info.Size(), nil, onProgress, shouldStop)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	if shouldStop != nil && shouldStop() && result.FileID != "" {
		// Stop landed after the host stored the file.
		if c.cfg.DeleteURL != "" {
			if delErr := c.DeleteFile(ctx, result.FileID); delErr == nil {
				return nil, newError(KindUpload, c.cfg.ID, "upload stopped, remote copy removed", ErrStopped)
			}
		}
		result.OrphanFileID = result.FileID
	}
	return result, nil
}

func (c *Client) uploadOnce(ctx context.Context, path string, size int64, extraFields map[string]string, onProgress ProgressFunc, shouldStop StopFunc) (*UploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, newError(KindValidation, c.cfg.ID, "failed to open file", err)
	}
	defer file.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr := &progressReader{
		r:          file,
		total:      size,
		onProgress: onProgress,
		shouldStop: shouldStop,
		counter:    c.counter,
	}
	pr.lastActivity.Store(time.Now().UnixNano())

	// Inactivity watchdog: abort when no bytes move for the configured
	// window, independent of the total-upload ceiling.
	stallTimeout := c.cfg.InactivityTimeout()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ticker.C:
				last := time.Unix(0, pr.lastActivity.Load())
				if time.Since(last) > stallTimeout {
					pr.stalled.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	bodyReader, bodyWriter := io.Pipe()
	mw := multipart.NewWriter(bodyWriter)
	go func() {
		part, err := mw.CreateFormFile(c.cfg.FileField, filepath.Base(path))
		if err != nil {
			bodyWriter.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, pr); err != nil {
			bodyWriter.CloseWithError(err)
			return
		}
		for k, v := range c.cfg.FormFields {
			mw.WriteField(k, v)
		}
		for k, v := range extraFields {
			mw.WriteField(k, v)
		}
		if c.cfg.AuthScheme == AuthTokenLogin && c.state != nil {
			mw.WriteField("token", c.state.Token)
		}
		bodyWriter.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, bodyReader)
	if err != nil {
		return nil, newError(KindNetwork, c.cfg.ID, "failed to build upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		switch {
		case pr.stopRequested.Load():
			return nil, newError(KindUpload, c.cfg.ID, "upload stopped before completion", ErrStopped)
		case pr.stalled.Load():
			return nil, newError(KindNetwork, c.cfg.ID,
				fmt.Sprintf("transfer stalled for %s", stallTimeout), err)
		default:
			return nil, newError(KindNetwork, c.cfg.ID, "upload request failed", err)
		}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	return c.parseUploadResponse(resp.StatusCode, body)
}

// parseUploadResponse maps the host's reply to a result or a classified
// error with a reason distinct from the raw payload.
func (c *Client) parseUploadResponse(status int, body []byte) (*UploadResult, error) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &Error{Kind: KindAuth, HostID: c.cfg.ID, Reason: "host rejected session", Raw: string(body)}
	case status < 200 || status >= 300:
		return nil, &Error{Kind: KindUpload, HostID: c.cfg.ID,
			Reason: fmt.Sprintf("upload returned HTTP %d", status), Raw: string(body)}
	}

	fileURL, _ := jsonPath(body, c.cfg.URLPath).(string)
	if fileURL == "" {
		return nil, &Error{Kind: KindUpload, HostID: c.cfg.ID,
			Reason: "host reported an error payload", Raw: string(body)}
	}
	fileID, _ := jsonPath(body, c.cfg.FileIDPath).(string)

	return &UploadResult{URL: fileURL, FileID: fileID, Raw: string(body)}, nil
}

// DeleteFile removes a remote file. Idempotent: an already-deleted file is
// not an error. A stale token is transparently refreshed once.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	if c.cfg.DeleteURL == "" {
		return fmt.Errorf("%s delete: %w", c.cfg.ID, ErrNotSupported)
	}
	return c.withAuthRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			c.expand(c.cfg.DeleteURL, fileID), nil)
		if err != nil {
			return newError(KindNetwork, c.cfg.ID, "failed to build delete request", err)
		}
		c.applyAuth(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return newError(KindNetwork, c.cfg.ID, "delete request failed", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			return nil
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindAuth, HostID: c.cfg.ID, Reason: "host rejected session", Raw: string(body)}
		default:
			return &Error{Kind: KindNetwork, HostID: c.cfg.ID,
				Reason: fmt.Sprintf("delete returned HTTP %d", resp.StatusCode), Raw: string(body)}
		}
	})
}

// GetUserInfo fetches storage quota and plan state. Fails with
// ErrNotSupported when the host lacks the endpoint.
func (c *Client) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	if c.cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("%s user info: %w", c.cfg.ID, ErrNotSupported)
	}
	var info *UserInfo
	err := c.withAuthRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.expand(c.cfg.UserInfoURL, ""), nil)
		if err != nil {
			return newError(KindNetwork, c.cfg.ID, "failed to build user info request", err)
		}
		c.applyAuth(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return newError(KindNetwork, c.cfg.ID, "user info request failed", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &Error{Kind: KindAuth, HostID: c.cfg.ID, Reason: "host rejected session", Raw: string(body)}
		case resp.StatusCode != http.StatusOK:
			return &Error{Kind: KindNetwork, HostID: c.cfg.ID,
				Reason: fmt.Sprintf("user info returned HTTP %d", resp.StatusCode), Raw: string(body)}
		}

		var payload struct {
			Storage struct {
				Total int64 `json:"total"`
				Used  int64 `json:"used"`
				Left  int64 `json:"left"`
			} `json:"storage"`
			Premium bool `json:"premium"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return &Error{Kind: KindNetwork, HostID: c.cfg.ID,
				Reason: "unparseable user info payload", Raw: string(body), Err: err}
		}
		left := payload.Storage.Left
		if left == 0 && payload.Storage.Total > 0 {
			left = payload.Storage.Total - payload.Storage.Used
		}
		info = &UserInfo{
			StorageTotal: payload.Storage.Total,
			StorageUsed:  payload.Storage.Used,
			StorageLeft:  left,
			Premium:      payload.Premium,
		}
		return nil
	})
	return info, err
}

// TestCredentials performs a minimal authenticated call and reports the
// outcome. Never mutates remote state: it only authenticates (and reads
// user info when the host exposes it).
func (c *Client) TestCredentials(ctx context.Context) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	if c.cfg.UserInfoURL == "" {
		// Auth scheme with no probe endpoint: a successful login is the
		// strongest non-mutating check available.
		return nil
	}
	_, err := c.GetUserInfo(ctx)
	return err
}

// TestUpload validates the full write path end-to-end with a small
// synthetic payload, deleting the remote copy afterward unless cleanup is
// false.
func (c *Client) TestUpload(ctx context.Context, cleanup bool) (*UploadResult, error) {
	tmp, err := os.CreateTemp("", "galleryup-probe-*.txt")
	if err != nil {
		return nil, newError(KindValidation, c.cfg.ID, "failed to create probe file", err)
	}
	defer os.Remove(tmp.Name())

	payload := fmt.Sprintf("galleryup upload probe %s\n", uuid.NewString())
	if _, err := tmp.WriteString(payload); err != nil {
		tmp.Close()
		return nil, newError(KindValidation, c.cfg.ID, "failed to write probe file", err)
	}
	tmp.Close()

	result, err := c.UploadFile(ctx, tmp.Name(), nil, nil)
	if err != nil {
		return nil, err
	}
	if cleanup && result.FileID != "" && c.cfg.DeleteURL != "" {
		if err := c.DeleteFile(ctx, result.FileID); err != nil {
			result.OrphanFileID = result.FileID
		}
	}
	return result, nil
}

// progressReader counts bytes as the multipart writer pulls them from the
// file, feeding the shared counter, the progress callback, and the
// inactivity watchdog. shouldStop is polled between chunks only; no
// mid-write socket abort.
type progressReader struct {
	r          io.Reader
	total      int64
	uploaded   int64
	onProgress ProgressFunc
	shouldStop StopFunc
	counter    ByteCounter

	lastActivity  atomic.Int64
	stalled       atomic.Bool
	stopRequested atomic.Bool

	lastReport      time.Time
	lastReportBytes int64
}

// reportInterval throttles progress callbacks.
const reportInterval = 100 * time.Millisecond

func (pr *progressReader) Read(p []byte) (int, error) {
	if pr.shouldStop != nil && pr.shouldStop() {
		pr.stopRequested.Store(true)
		return 0, ErrStopped
	}
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.uploaded += int64(n)
		pr.lastActivity.Store(time.Now().UnixNano())
		if pr.counter != nil {
			pr.counter.Add(int64(n))
		}
		pr.report(false)
	}
	if err == io.EOF {
		pr.report(true)
	}
	return n, err
}

func (pr *progressReader) report(final bool) {
	if pr.onProgress == nil {
		return
	}
	now := time.Now()
	if !final && !pr.lastReport.IsZero() && now.Sub(pr.lastReport) < reportInterval {
		return
	}
	var rate float64
	if !pr.lastReport.IsZero() {
		if dt := now.Sub(pr.lastReport).Seconds(); dt > 0 {
			rate = float64(pr.uploaded-pr.lastReportBytes) / dt
		}
	}
	pr.lastReport = now
	pr.lastReportBytes = pr.uploaded
	pr.onProgress(pr.uploaded, pr.total, rate)
}

// jsonPath extracts a value from a JSON document by dot-separated path.
// Returns nil when the path does not resolve.
func jsonPath(body []byte, path string) any {
	if path == "" {
		return nil
	}
	var doc any
	if err := json.Unmarshal(bytes.TrimSpace(body), &doc); err != nil {
		return nil
	}
	cur := doc
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}
