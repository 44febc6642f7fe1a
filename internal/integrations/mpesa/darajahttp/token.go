package darajahttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is subtracted from the provider-reported lifetime so a
// token is refreshed before it can expire mid-request.
const expiryMargin = 60 * time.Second

// tokenSource caches the short-lived OAuth bearer token. Concurrent
// callers during a refresh share one exchange (singleflight); a failed
// exchange is never cached and is retried on the next call.
type tokenSource struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpc          *http.Client
	now            func() time.Time

	sf singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenSource(baseURL, consumerKey, consumerSecret string, httpc *http.Client) *tokenSource {
	return &tokenSource{
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		httpc:          httpc,
		now:            time.Now,
	}
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && t.now().Before(t.expiresAt) {
		tok := t.token
		t.mu.Unlock()
		return tok, nil
	}
	t.mu.Unlock()

	v, err, _ := t.sf.Do("token", func() (any, error) {
		// Re-check under the flight: a racer may have refreshed while
		// we waited for the singleflight slot.
		t.mu.Lock()
		if t.token != "" && t.now().Before(t.expiresAt) {
			tok := t.token
			t.mu.Unlock()
			return tok, nil
		}
		t.mu.Unlock()

		tok, lifetime, err := t.exchange(ctx)
		if err != nil {
			return "", err
		}

		t.mu.Lock()
		t.token = tok
		t.expiresAt = t.now().Add(lifetime - expiryMargin)
		t.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (t *tokenSource) exchange(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "new token request")
	}
	req.SetBasicAuth(t.consumerKey, t.consumerSecret)

	resp, err := t.httpc.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "token exchange")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", 0, fmt.Errorf("token exchange http %d", resp.StatusCode)
	}

	var tr tokenResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, errors.Wrap(err, "decode token response")
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("token exchange returned empty access_token")
	}

	// Daraja reports expires_in as a string of seconds ("3599").
	secs, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || secs <= 0 {
		secs = 3599
	}
	return tr.AccessToken, time.Duration(secs) * time.Second, nil
}
