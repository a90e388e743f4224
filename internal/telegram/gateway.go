// Package telegram talks to the session gateway, the operator-run service
// that holds the MTProto sessions. Credentials never enter this process;
// every call names the session the gateway should act as.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"invitegate.org/internal/invite"
)

// Gateway error codes on the wire.
const (
	codeFloodWait       = "FLOOD_WAIT"
	codeAlreadyMember   = "ALREADY_MEMBER"
	codePrivacy         = "PRIVACY_RESTRICTED"
	codePermission      = "PERMISSION_DENIED"
	codeShapeMismatch   = "SHAPE_MISMATCH"
	codeSessionNotFound = "SESSION_NOT_FOUND"
	codeGatewayIntern   = "INTERNAL"
)

// Client implements the platform boundary over the gateway's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a gateway client. token authenticates this service to the
// gateway and is sent as a bearer credential.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type gatewayError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_seconds"`
}

type errorEnvelope struct {
	Error gatewayError `json:"error"`
}

type joinResponse struct {
	Shape       string `json:"shape"`
	ID          string `json:"id"`
	Title       string `json:"title"`
	MemberCount int    `json:"member_count"`
}

// JoinByLink has the session join the chat behind link. The gateway reports
// which representation the platform produced; previews come back without a
// durable id.
func (c *Client) JoinByLink(ctx context.Context, session, link string) (invite.GroupObject, error) {
	var out joinResponse
	err := c.post(ctx, fmt.Sprintf("/v1/sessions/%s/join", url.PathEscape(session)),
		map[string]string{"invite_link": link}, &out)
	if err != nil {
		return invite.GroupObject{}, err
	}
	obj := invite.GroupObject{
		Shape:       invite.ShapePreview,
		Title:       out.Title,
		MemberCount: out.MemberCount,
	}
	if out.Shape == "full" {
		obj.Shape = invite.ShapeFull
		obj.ID = out.ID
	}
	return obj, nil
}

// InviteUser adds requesterID to groupID through the session.
func (c *Client) InviteUser(ctx context.Context, session, groupID, requesterID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/sessions/%s/invite", url.PathEscape(session)),
		map[string]string{"group_id": groupID, "user_id": requesterID}, nil)
}

// MemberCount reads the group's current member total through the session.
func (c *Client) MemberCount(ctx context.Context, session, groupID string) (int, error) {
	var out struct {
		MemberCount int `json:"member_count"`
	}
	path := fmt.Sprintf("/v1/sessions/%s/groups/%s/members", url.PathEscape(session), url.PathEscape(groupID))
	if err := c.get(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.MemberCount, nil
}

// Ping checks the session is alive on the gateway.
func (c *Client) Ping(ctx context.Context, session string) error {
	return c.get(ctx, fmt.Sprintf("/v1/sessions/%s/ping", url.PathEscape(session)), nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Transport faults, DNS, timeouts. The dialer error text is kept for
		// the log line; classification happens on the sentinel.
		return fmt.Errorf("%w: %v", invite.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.mapError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", invite.ErrNetwork, err)
	}
	return nil
}

// mapError translates the gateway's error envelope onto the sentinel errors
// the orchestrator classifies on. Unknown codes and 5xx degrade to a network
// fault so they stay retryable.
func (c *Client) mapError(resp *http.Response) error {
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: gateway status %s", invite.ErrNetwork, resp.Status)
	}
	ge := env.Error
	switch ge.Code {
	case codeFloodWait:
		wait := time.Duration(ge.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Minute
		}
		return &invite.RateLimitedError{Wait: wait}
	case codeAlreadyMember:
		return fmt.Errorf("%w: %s", invite.ErrAlreadyMember, ge.Message)
	case codePrivacy:
		return fmt.Errorf("%w: %s", invite.ErrPrivacyRestricted, ge.Message)
	case codePermission, codeSessionNotFound:
		return fmt.Errorf("%w: %s (%s)", invite.ErrPermissionDenied, ge.Message, ge.Code)
	case codeShapeMismatch:
		return fmt.Errorf("%w: %s", invite.ErrShapeMismatch, ge.Message)
	case codeGatewayIntern:
		return fmt.Errorf("%w: gateway internal: %s", invite.ErrNetwork, ge.Message)
	default:
		return fmt.Errorf("%w: gateway %s: %s", invite.ErrNetwork, ge.Code, ge.Message)
	}
}
