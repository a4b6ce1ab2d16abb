// Package restapi implements the REST Gateway: bearer-authenticated,
// paginated, retried HTTP access to the platform's group/server/member
// endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/internal/dedup"
	"github.com/Voskan/gsfleet/internal/metrics"
	"github.com/Voskan/gsfleet/pkg/gserr"
)

const pageSize = 1000

// Group is the wire shape returned by group-listing endpoints.
type Group struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Servers     []int64 `json:"servers"`
	Roles       []Role  `json:"roles"`
}

// Role is a single entry of a group's role list.
type Role struct {
	RoleID      int64    `json:"role_id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Member describes the caller's own membership within a group.
type Member struct {
	UserID string `json:"user_id"`
	RoleID int64  `json:"role_id"`
}

// GroupAndMember pairs a Group with the caller's Member record in it, the
// shape listJoinedGroups returns per entry.
type GroupAndMember struct {
	Group  Group  `json:"group"`
	Member Member `json:"member"`
}

// Invite is a single pending group invitation.
type Invite struct {
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
}

// Server describes a single game server's static metadata.
type Server struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Fleet   string `json:"fleet"`
	GroupID int64  `json:"group_id"`
}

// ConnectionDetails is the response of getServerConnectionDetails.
type ConnectionDetails struct {
	Allowed    bool   `json:"allowed"`
	Connection struct {
		Address       string `json:"address"`
		WebSocketPort int    `json:"websocket_port"`
	} `json:"connection"`
	Token string `json:"token"`
}

// Bearer supplies the current access token; implemented by internal/token.Manager.
type Bearer interface {
	Current() (bearer string, ok bool)
}

// Gateway is the REST Gateway. Its bearer is refreshed out-of-band by the
// Token Manager via SetBearer; Gateway itself never triggers a refresh
// directly, it just reads whatever is current.
type Gateway struct {
	baseURL   string
	xAPIKey   string
	userAgent string

	attempts   int
	retryDelay time.Duration
	timeout    time.Duration

	httpClient *http.Client
	log        *zap.Logger

	bearer atomic.String

	// dedup is nil unless the caller opts into a shared Redis idempotency
	// cache (config.Config.RedisURL); every mutation guarded by it must
	// treat a nil dedup as "always proceed".
	dedup *dedup.Cache
}

// SetDedupCache installs an optional shared idempotency cache. Passing nil
// disables it again.
func (g *Gateway) SetDedupCache(c *dedup.Cache) { g.dedup = c }

// NewGateway constructs a Gateway. attempts/retryDelay/timeout come from
// config.Config's APIRequestAttempts/APIRequestRetryDelay/APIRequestTimeout.
func NewGateway(baseURL, xAPIKey, userAgent string, attempts int, retryDelay, timeout time.Duration, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Gateway{
		baseURL:    baseURL,
		xAPIKey:    xAPIKey,
		userAgent:  userAgent,
		attempts:   attempts,
		retryDelay: retryDelay,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// SetBearer implements token.Authorizer: the Token Manager calls this every
// time a fresh token is obtained.
func (g *Gateway) SetBearer(bearer string) { g.bearer.Store(bearer) }

func (g *Gateway) authorize(req *http.Request) error {
	bearer := g.bearer.Load()
	if bearer == "" {
		return fmt.Errorf("%w: no bearer available yet", gserr.ErrNotReady)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.xAPIKey)
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Authorization", "Bearer "+bearer)
	return nil
}

// doNamed issues req with bounded retry at a fixed delay, matching the
// teacher's backoff.BackOff field style in exporter configuration. operation
// is a low-cardinality metrics label distinct from path, which carries
// interpolated ids.
func (g *Gateway) doNamed(ctx context.Context, operation, method, path string, body []byte) ([]byte, http.Header, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.retryDelay), uint64(g.attempts-1)),
		ctx,
	)

	// requestID correlates every retried attempt of this call across our own
	// logs and, via the X-Request-Id header, the platform's.
	requestID := newRequestID()

	var (
		respBody []byte
		header   http.Header
	)
	err := backoff.Retry(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := g.authorize(req); err != nil {
			return err
		}
		req.Header.Set("X-Request-Id", requestID)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			g.log.Warn("rest request failed", zap.String("requestId", requestID), zap.String("path", path), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("%s %s: %s", method, path, describeErrorBody(b))
		}
		respBody = b
		header = resp.Header
		return nil
	}, policy)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(operation, "error").Inc()
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", gserr.ErrRetriesExhausted, err)
		}
		return nil, nil, err
	}
	metrics.APIRequestsTotal.WithLabelValues(operation, "success").Inc()
	return respBody, header, nil
}

// paginate repeatedly issues the request, carrying the paginationToken response
// header forward as a query parameter on the next request, until the
// response carries no further token.
func (g *Gateway) paginate(ctx context.Context, operation, method, path string, mergeBody func(token string) []byte, into func(raw []byte) error) error {
	token := ""
	for {
		p := path
		if token != "" {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			p = path + sep + "paginationToken=" + url.QueryEscape(token)
		}
		body := mergeBody(token)
		raw, header, err := g.doNamed(ctx, operation, method, p, body)
		if err != nil {
			return err
		}
		if err := into(raw); err != nil {
			return err
		}
		token = header.Get("paginationToken")
		if token == "" {
			return nil
		}
	}
}

func describeErrorBody(body []byte) string {
	var withMessage struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &withMessage) == nil && withMessage.Message != "" {
		return withMessage.Message
	}
	return string(body)
}

// AcceptGroupInvite accepts a pending invite to groupID. Safe to retry: the
// platform is idempotent on this mutation. When a shared dedup cache is
// configured, a process that loses the claim race skips the call entirely
// rather than relying solely on the platform's own idempotency.
func (g *Gateway) AcceptGroupInvite(ctx context.Context, groupID int64) error {
	if g.dedup != nil {
		claimed, err := g.dedup.TryAcquire(ctx, fmt.Sprintf("gsfleet:accept-invite:%d", groupID))
		if err != nil {
			g.log.Warn("dedup cache unavailable, proceeding without it", zap.Error(err))
		} else if !claimed {
			return nil
		}
	}
	_, _, err := g.doNamed(ctx, "AcceptGroupInvite", http.MethodPost, fmt.Sprintf("/groups/%d/accept-invite", groupID), nil)
	return err
}

// GetGroupInfo fetches a single group's metadata.
func (g *Gateway) GetGroupInfo(ctx context.Context, groupID int64) (Group, error) {
	raw, _, err := g.doNamed(ctx, "GetGroupInfo", http.MethodGet, fmt.Sprintf("/groups/%d", groupID), nil)
	if err != nil {
		return Group{}, err
	}
	var out Group
	if err := json.Unmarshal(raw, &out); err != nil {
		return Group{}, fmt.Errorf("decode group info: %w", err)
	}
	return out, nil
}

// GetGroupMember fetches a single member's record within a group.
func (g *Gateway) GetGroupMember(ctx context.Context, groupID int64, userID string) (Member, error) {
	raw, _, err := g.doNamed(ctx, "GetGroupMember", http.MethodGet, fmt.Sprintf("/groups/%d/members/%s", groupID, userID), nil)
	if err != nil {
		return Member{}, err
	}
	var out Member
	if err := json.Unmarshal(raw, &out); err != nil {
		return Member{}, fmt.Errorf("decode group member: %w", err)
	}
	return out, nil
}

// ListJoinedGroups lists every group the caller currently belongs to,
// following paginationToken until exhausted (page size 1000).
func (g *Gateway) ListJoinedGroups(ctx context.Context) ([]GroupAndMember, error) {
	var out []GroupAndMember
	err := g.paginate(ctx, "ListJoinedGroups", http.MethodGet,
		fmt.Sprintf("/groups/joined?limit=%d", pageSize),
		func(token string) []byte { return nil },
		func(raw []byte) error {
			var page struct {
				Items []GroupAndMember `json:"items"`
			}
			if err := json.Unmarshal(raw, &page); err != nil {
				return fmt.Errorf("decode joined groups page: %w", err)
			}
			out = append(out, page.Items...)
			return nil
		},
	)
	return out, err
}

// ListPendingGroupInvites lists every outstanding invite for the caller,
// following paginationToken until exhausted (page size 1000).
func (g *Gateway) ListPendingGroupInvites(ctx context.Context) ([]Invite, error) {
	var out []Invite
	err := g.paginate(ctx, "ListPendingGroupInvites", http.MethodGet,
		fmt.Sprintf("/groups/invites?limit=%d", pageSize),
		func(token string) []byte { return nil },
		func(raw []byte) error {
			var page struct {
				Items []Invite `json:"items"`
			}
			if err := json.Unmarshal(raw, &page); err != nil {
				return fmt.Errorf("decode pending invites page: %w", err)
			}
			out = append(out, page.Items...)
			return nil
		},
	)
	return out, err
}

// GetServerInfo fetches a single server's static metadata.
func (g *Gateway) GetServerInfo(ctx context.Context, serverID int64) (Server, error) {
	raw, _, err := g.doNamed(ctx, "GetServerInfo", http.MethodGet, fmt.Sprintf("/servers/%d", serverID), nil)
	if err != nil {
		return Server{}, err
	}
	var out Server
	if err := json.Unmarshal(raw, &out); err != nil {
		return Server{}, fmt.Errorf("decode server info: %w", err)
	}
	return out, nil
}

// GetServerConnectionDetails requests a one-shot console connection token
// for serverID without launching or waking the server.
func (g *Gateway) GetServerConnectionDetails(ctx context.Context, serverID int64) (ConnectionDetails, error) {
	body, err := json.Marshal(map[string]bool{
		"should_launch":  false,
		"ignore_offline": false,
	})
	if err != nil {
		return ConnectionDetails{}, err
	}
	raw, _, err := g.doNamed(ctx, "GetServerConnectionDetails", http.MethodPost, fmt.Sprintf("/servers/%d/connection-details", serverID), body)
	if err != nil {
		return ConnectionDetails{}, err
	}
	var out ConnectionDetails
	if err := json.Unmarshal(raw, &out); err != nil {
		return ConnectionDetails{}, fmt.Errorf("decode connection details: %w", err)
	}
	return out, nil
}
