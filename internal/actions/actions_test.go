package actions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/config"
	"github.com/ashita-ai/sekimon/internal/dispatch"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestEcho(t *testing.T) {
	params := map[string]any{"message": "hi"}
	out, err := Echo(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": map[string]any{"message": "hi"}}, out)
}

func TestRegister(t *testing.T) {
	reg := dispatch.NewRegistry()
	require.NoError(t, Register(reg, []string{ActionEcho, ActionWebhook}, config.WebhookConfig{}, testLogger))
	assert.Equal(t, []string{ActionEcho, ActionWebhook}, reg.Actions())

	assert.Error(t, Register(dispatch.NewRegistry(), []string{"system.rm"}, config.WebhookConfig{}, testLogger))
}

func TestWebhookPosts(t *testing.T) {
	var got map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Get("X-Signature")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	w := NewWebhook(config.WebhookConfig{AllowedHosts: []string{"127.0.0.1"}, AllowPrivate: true}, testLogger)
	out, err := w.Execute(context.Background(), map[string]any{
		"url":     srv.URL + "/hook",
		"body":    map[string]any{"event": "deploy"},
		"headers": map[string]any{"X-Signature": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out["status_code"])
	assert.Equal(t, `{"ok":true}`, out["body"])
	assert.Equal(t, map[string]any{"event": "deploy"}, got)
	assert.Equal(t, "abc", gotHeader)
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(config.WebhookConfig{AllowedHosts: []string{"127.0.0.1"}, AllowPrivate: true}, testLogger)
	_, err := w.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookURLChecks(t *testing.T) {
	w := NewWebhook(config.WebhookConfig{AllowedHosts: []string{"*.example.com"}}, testLogger)
	cases := map[string]string{
		"missing":     "",
		"scheme":      "ftp://hooks.example.com/x",
		"credentials": "https://user:pw@hooks.example.com/x",
		"not allowed": "https://evil.test/x",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := w.Execute(context.Background(), map[string]any{"url": raw})
			require.Error(t, err)
		})
	}
	_, err := w.checkURL("https://hooks.example.com/x")
	assert.NoError(t, err)
}

func TestWebhookBlocksPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("request must not reach a loopback listener")
	}))
	defer srv.Close()

	w := NewWebhook(config.WebhookConfig{AllowedHosts: []string{"127.0.0.1"}}, testLogger)
	_, err := w.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.ErrorIs(t, err, ErrDestinationNotAllowed)
}

func TestIsPrivate(t *testing.T) {
	for _, s := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.1", "169.254.169.254", "::1", "fd00::1", "0.0.0.0"} {
		assert.True(t, isPrivate(net.ParseIP(s)), s)
	}
	for _, s := range []string{"8.8.8.8", "2606:4700::1111"} {
		assert.False(t, isPrivate(net.ParseIP(s)), s)
	}
}
