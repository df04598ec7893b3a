package graph

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

	"golang.org/x/sync/singleflight"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// expirySkew is subtracted from the lifetime the endpoint reports.
	expirySkew = 5 * time.Minute
)

// tokenResponse is the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// tokenError is a failed client-credentials exchange. Code and Description
// come from the OAuth2 error body when the endpoint sends one.
type tokenError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *tokenError) Error() string {
	if e.StatusCode == 0 {
		return "token request failed: " + e.Description
	}
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("token endpoint returned HTTP %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

// Temporary reports whether retrying the exchange may succeed. Rejected
// credentials and malformed requests are not temporary.
func (e *tokenError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// tokenSource hands out a cached client-credentials token for the relay.
// Concurrent callers that find the cache empty share one exchange.
type tokenSource struct {
	tokenURL   string
	form       url.Values
	httpClient *http.Client
	now        func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func newTokenSource(tokenURL, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		tokenURL: tokenURL,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		httpClient: client,
		now:        time.Now,
	}
}

// Token returns the cached token, or fetches a new one once it is within
// expirySkew of expiring. A cancelled ctx abandons the wait but not the
// exchange other callers may be sharing.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}

	ch := ts.group.DoChan("token", func() (any, error) {
		return ts.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops stale from the cache so the next Token call fetches a new
// one. A token fetched since stale was handed out is kept.
func (ts *tokenSource) Invalidate(stale string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token == stale {
		ts.token = ""
		ts.expiresAt = time.Time{}
	}
}

func (ts *tokenSource) cached() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token == "" || !ts.now().Before(ts.expiresAt) {
		return "", false
	}
	return ts.token, true
}

func (ts *tokenSource) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(ts.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", &tokenError{Description: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &tokenError{Description: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseTokenError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	ts.mu.Lock()
	ts.token = tr.AccessToken
	ts.expiresAt = ts.now().Add(time.Duration(tr.ExpiresIn)*time.Second - expirySkew)
	ts.mu.Unlock()

	return tr.AccessToken, nil
}

// parseTokenError reads the OAuth2 error body, e.g.
// {"error":"invalid_client","error_description":"AADSTS7000215: ..."}.
func parseTokenError(status int, body []byte) *tokenError {
	var payload struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	te := &tokenError{StatusCode: status}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		te.Code = payload.Error
		te.Description = payload.Description
	}
	return te
}
