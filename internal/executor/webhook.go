package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postrunner/internal/model"
	"postrunner/internal/sticky"
)

// WebhookConfig configures the HTTP executor.
//
// The remote side implements three endpoints:
//
//	GET  {base}/auth?account=ID     200 = authenticated, 401/403 = not
//	POST {base}/actions             2xx = done, 403/423/429 = restricted
//	GET  {base}/session?account=ID  body = refreshed session material
type WebhookConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
}

type webhookFactory struct {
	cfg    WebhookConfig
	client *http.Client
	lim    *rate.Limiter
}

// NewWebhookFactory returns a Factory whose executors delegate to an HTTP
// automation service. All executors share one request rate limiter.
func NewWebhookFactory(cfg WebhookConfig, client *http.Client) (Factory, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("webhook base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("webhook base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &webhookFactory{cfg: cfg, client: client, lim: lim}, nil
}

func (f *webhookFactory) New(_ context.Context, acc model.Account, egress sticky.Session) (Executor, error) {
	return &webhook{f: f, acc: acc, egress: egress}, nil
}

type webhook struct {
	f      *webhookFactory
	acc    model.Account
	egress sticky.Session
}

type actionRequest struct {
	AccountID  string     `json:"account_id"`
	SessionRef string     `json:"session_ref,omitempty"`
	ProxyID    string     `json:"proxy_id,omitempty"`
	StickyID   string     `json:"sticky_id,omitempty"`
	Post       model.Post `json:"post"`
}

func (w *webhook) IsAuthenticated(ctx context.Context, acc model.Account) (bool, error) {
	resp, err := w.do(ctx, http.MethodGet, "/auth?account="+url.QueryEscape(acc.ID), nil)
	if err != nil {
		return false, err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("auth probe: unexpected status %d", resp.StatusCode)
	}
}

func (w *webhook) Execute(ctx context.Context, p model.Post) error {
	body, err := json.Marshal(actionRequest{
		AccountID:  w.acc.ID,
		SessionRef: w.acc.SessionRef,
		ProxyID:    w.egress.ProxyID,
		StickyID:   w.egress.SessionID,
		Post:       p,
	})
	if err != nil {
		return err
	}
	resp, err := w.do(ctx, http.MethodPost, "/actions", body)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readSnippet(resp.Body)
	err = fmt.Errorf("action %s: status %d: %s", p.ID, resp.StatusCode, msg)
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusLocked, http.StatusTooManyRequests:
		return Restricted(err)
	}
	return err
}

func (w *webhook) ExportSession(ctx context.Context) (string, error) {
	resp, err := w.do(ctx, http.MethodGet, "/session?account="+url.QueryEscape(w.acc.ID), nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("export session: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (w *webhook) Close() error { return nil }

func (w *webhook) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := w.f.lim.Wait(ctx); err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.f.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.f.cfg.Token)
	}
	return w.f.client.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
