package xmla

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pbibridge/pbibridge/internal/engine"
)

const defaultScope = "https://analysis.windows.net/powerbi/api/.default"

// tokenSource acquires and caches an Azure AD access token for a service
// principal via the client-credentials grant.
type tokenSource struct {
	authorityBase string
	scope         string
	client        *http.Client
	creds         engine.Credentials

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(authorityBase, scope string, client *http.Client, creds engine.Credentials) *tokenSource {
	if strings.TrimSpace(authorityBase) == "" {
		authorityBase = "https://login.microsoftonline.com"
	}
	if strings.TrimSpace(scope) == "" {
		scope = defaultScope
	}
	return &tokenSource{
		authorityBase: strings.TrimRight(authorityBase, "/"),
		scope:         scope,
		client:        client,
		creds:         creds,
	}
}

func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expires) > time.Minute {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.creds.ClientID)
	form.Set("client_secret", s.creds.ClientSecret)
	form.Set("scope", s.scope)

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", s.authorityBase, url.PathEscape(s.creds.TenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("token request failed status=%d body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	s.token = parsed.AccessToken
	s.expires = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return s.token, nil
}

func (s *tokenSource) invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}
