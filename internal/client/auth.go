package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/sekimon/internal/model"
)

// tokenManager caches the principal's JWT and refreshes it shortly before
// expiry.
type tokenManager struct {
	baseURL     string
	principalID string
	apiKey      string
	client      *http.Client
	margin      time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, principalID, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:     baseURL,
		principalID: principalID,
		apiKey:      apiKey,
		client:      client,
		margin:      30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}
	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

// invalidate drops the cached token so the next call re-authenticates.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.token = ""
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(model.AuthTokenRequest{PrincipalID: tm.principalID, APIKey: tm.apiKey})
	if err != nil {
		return fmt.Errorf("sekimon: marshal auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sekimon: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("sekimon: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out model.AuthTokenResponse
	if err := handleResponse(resp, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return errors.New("sekimon: auth response carried no token")
	}
	tm.token = out.Token
	tm.expiresAt = out.ExpiresAt
	return nil
}
