package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/sekimon/internal/config"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxResponseBody       = 4096
)

// ErrDestinationNotAllowed is returned for URLs outside the allow-list or
// resolving to private addresses.
var ErrDestinationNotAllowed = errors.New("actions: webhook destination not allowed")

// Webhook posts a JSON body to an allow-listed URL.
//
// Parameters:
//
//	url     string, required; http or https
//	body    any JSON value, sent as the request body
//	headers object of string values, optional
type Webhook struct {
	client       *http.Client
	allowedHosts []string
	logger       *slog.Logger
}

// NewWebhook creates the webhook.post executor.
func NewWebhook(cfg config.WebhookConfig, logger *slog.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if !cfg.AllowPrivate {
		// Checked at connect time so a DNS answer that changes after
		// validation cannot redirect the request inward.
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || isPrivate(ip) {
				return fmt.Errorf("%w: %s is not a public address", ErrDestinationNotAllowed, host)
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	hosts := make([]string, 0, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		hosts = append(hosts, strings.ToLower(h))
	}
	return &Webhook{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		allowedHosts: hosts,
		logger:       logger,
	}
}

// Execute implements dispatch.Executor.
func (w *Webhook) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	rawURL, _ := params["url"].(string)
	target, err := w.checkURL(rawURL)
	if err != nil {
		return nil, err
	}

	var body []byte
	if b, ok := params["body"]; ok {
		if body, err = json.Marshal(b); err != nil {
			return nil, fmt.Errorf("actions: webhook: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("actions: webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sekimon-webhook/1")
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("actions: webhook: header %q must be a string", k)
			}
			req.Header.Set(k, s)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("actions: webhook: post %s: %w", target.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	w.logger.Info("actions: webhook delivered", "host", target.Host, "status", resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("actions: webhook: %s returned %d", target.Host, resp.StatusCode)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}, nil
}

func (w *Webhook) checkURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("actions: webhook: parameter url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("actions: webhook: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrDestinationNotAllowed, u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in url", ErrDestinationNotAllowed)
	}
	host := strings.ToLower(u.Hostname())
	for _, pattern := range w.allowedHosts {
		if ok, _ := doublestar.Match(pattern, host); ok {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: host %q is not in allowed_hosts", ErrDestinationNotAllowed, host)
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}
