// Package token obtains and periodically refreshes a bearer token, decodes
// its claims, and exposes the current value to the REST Gateway and every
// Account-Socket Instance.
//
// Refresh retry uses a single cenkalti/backoff policy, re-armed from scratch
// on each refresh cycle, running inside a cancellable loop owned by the
// Manager.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/internal/config"
	"github.com/Voskan/gsfleet/pkg/auth"
)

// Token pairs a bearer value with its decoded claims.
type Token struct {
	Bearer string
	Claims auth.Claims
}

// Authorizer receives the bearer each time it changes, so the REST Gateway
// can be reauthorised without a direct dependency on the Manager's
// internals.
type Authorizer interface {
	SetBearer(bearer string)
}

// Manager is the Token Manager. Construction performs an initial, blocking
// refresh(); callers should treat NewManager as fallible for that reason.
type Manager struct {
	creds      config.Credentials
	tokenURL   string
	xAPIKey    string
	userAgent  string
	httpClient *http.Client
	log        *zap.Logger

	authz Authorizer

	mu          sync.Mutex // serialises refresh(); "no two refreshes run concurrently"
	timer       *time.Timer
	current     atomic.Pointer[Token]
	closed      atomic.Bool
	refreshDone chan struct{} // closed once by Close; nothing waits on it
	once        sync.Once
}

// NewManager constructs a Manager and performs the initial refresh. It
// returns an error if the credentials themselves are invalid or if ctx is
// done before the first successful refresh; otherwise network and
// authentication failures during the initial refresh are retried
// internally, and NewManager blocks until the first success.
func NewManager(ctx context.Context, creds config.Credentials, tokenURL, xAPIKey, userAgent string, authz Authorizer, log *zap.Logger) (*Manager, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		creds:       creds,
		tokenURL:    tokenURL,
		xAPIKey:     xAPIKey,
		userAgent:   userAgent,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		log:         log,
		authz:       authz,
		refreshDone: make(chan struct{}),
	}
	if err := m.refresh(ctx); err != nil {
		// refresh() only returns a non-nil error when ctx is cancelled; the
		// retry-forever loop absorbs every transport/auth failure itself.
		return nil, err
	}
	return m, nil
}

// Current returns the most recently fetched token. The second return value
// is false if no token has ever been obtained (should not happen once
// NewManager returns successfully).
func (m *Manager) Current() (Token, bool) {
	t := m.current.Load()
	if t == nil {
		return Token{}, false
	}
	return *t, true
}

// Refresh forces an immediate refresh, bypassing the scheduled timer.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx)
}

// Close cancels the pending refresh timer and stops future scheduling.
// Idempotent.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.refreshDone)
		m.mu.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.mu.Unlock()
	})
}

// refresh performs one authentication round-trip, decodes the resulting
// token, reauthorises the gateway, and (re)schedules the next refresh. It
// retries indefinitely on failure, logging every 10s, and only returns an
// error when ctx is done.
func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(10*time.Second), ctx)
	var tok Token
	err := backoff.Retry(func() error {
		t, err := m.authenticate(ctx)
		if err != nil {
			m.log.Warn("token refresh failed, retrying in 10s", zap.Error(err))
			return err
		}
		tok = t
		return nil
	}, bo)
	if err != nil {
		return err // only reachable via ctx cancellation
	}

	m.current.Store(&tok)
	if m.authz != nil {
		m.authz.SetBearer(tok.Bearer)
	}
	m.scheduleNext(tok.Claims.Expiry)
	return nil
}

// scheduleNext arms the refresh timer at floor(0.9*(expiry_ms - now_ms)),
// cancelling any prior timer first, so the refresh timer is always either
// unset or scheduled strictly before expiry.
func (m *Manager) scheduleNext(expiry time.Time) {
	if m.closed.Load() {
		return
	}
	nowMs := float64(time.Now().UnixMilli())
	expMs := float64(expiry.UnixMilli())
	delayMs := math.Floor(0.9 * (expMs - nowMs))
	if delayMs < 0 {
		delayMs = 0
	}
	d := time.Duration(delayMs) * time.Millisecond
	m.timer = time.AfterFunc(d, func() {
		if m.closed.Load() {
			return
		}
		if err := m.refresh(context.Background()); err != nil {
			m.log.Debug("scheduled refresh cancelled", zap.Error(err))
		}
	})
}

// authenticate performs the credentials-specific authentication request
// (form-encoded client-credentials for a bot, JSON password-hash for a
// user) and decodes the resulting token's claims.
func (m *Manager) authenticate(ctx context.Context) (Token, error) {
	var (
		req *http.Request
		err error
	)

	if m.creds.IsBot() {
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", m.creds.ClientID)
		form.Set("client_secret", m.creds.ClientSecret)
		form.Set("scope", strings.Join(m.creds.Scopes, " "))

		req, err = http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return Token{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		hash := auth.HashPassword(m.creds.PasswordHash)
		body, mErr := json.Marshal(map[string]string{
			"username":      m.creds.Username,
			"password_hash": hash,
		})
		if mErr != nil {
			return Token{}, mErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(body))
		if err != nil {
			return Token{}, err
		}
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", m.userAgent)
	if m.xAPIKey != "" {
		req.Header.Set("x-api-key", m.xAPIKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, describeErrorBody(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}

	claims, err := auth.DecodeClaims(parsed.AccessToken)
	if err != nil {
		return Token{}, err
	}
	return Token{Bearer: parsed.AccessToken, Claims: claims}, nil
}

// describeErrorBody surfaces the response "message" field if present, else a
// stringified body, matching the REST Gateway's own error-surfacing rule
// since the token endpoint follows the same error shape.
func describeErrorBody(body []byte) string {
	var withMessage struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &withMessage) == nil && withMessage.Message != "" {
		return withMessage.Message
	}
	return string(body)
}
