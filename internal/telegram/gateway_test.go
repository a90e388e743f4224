package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"invitegate.org/internal/invite"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret-token", 5*time.Second)
}

func writeError(w http.ResponseWriter, status int, code, msg string, retryAfter int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "retry_after_seconds": retryAfter},
	})
}

func TestJoinByLinkFullShape(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/acc_a/join" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("auth header = %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["invite_link"] != "https://t.me/+abc" {
			t.Errorf("link = %q", body["invite_link"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"shape": "full", "id": "-100200", "title": "Main Group", "member_count": 1200,
		})
	})

	obj, err := c.JoinByLink(context.Background(), "acc_a", "https://t.me/+abc")
	if err != nil {
		t.Fatal(err)
	}
	id, ok := obj.FullID()
	if !ok || id != "-100200" {
		t.Fatalf("full id = %q ok=%v", id, ok)
	}
	if obj.Title != "Main Group" || obj.MemberCount != 1200 {
		t.Fatalf("obj = %+v", obj)
	}
}

func TestJoinByLinkPreviewShape(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"shape": "preview", "title": "Preview Chat"})
	})

	obj, err := c.JoinByLink(context.Background(), "acc_a", "https://t.me/+abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := obj.FullID(); ok {
		t.Fatal("preview must not expose a durable id")
	}
	if obj.Shape != invite.ShapePreview || obj.Title != "Preview Chat" {
		t.Fatalf("obj = %+v", obj)
	}
}

func TestInviteUserErrorMapping(t *testing.T) {
	cases := []struct {
		code   string
		status int
		want   error
	}{
		{"ALREADY_MEMBER", http.StatusConflict, invite.ErrAlreadyMember},
		{"PRIVACY_RESTRICTED", http.StatusForbidden, invite.ErrPrivacyRestricted},
		{"PERMISSION_DENIED", http.StatusForbidden, invite.ErrPermissionDenied},
		{"SESSION_NOT_FOUND", http.StatusNotFound, invite.ErrPermissionDenied},
		{"SHAPE_MISMATCH", http.StatusUnprocessableEntity, invite.ErrShapeMismatch},
		{"INTERNAL", http.StatusInternalServerError, invite.ErrNetwork},
		{"SOMETHING_ELSE", http.StatusBadRequest, invite.ErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				writeError(w, tc.status, tc.code, "details", 0)
			})
			err := c.InviteUser(context.Background(), "acc_a", "-100200", "user1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestInviteUserFloodWait(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusTooManyRequests, "FLOOD_WAIT", "slow down", 420)
	})

	err := c.InviteUser(context.Background(), "acc_a", "-100200", "user1")
	var rl *invite.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if rl.Wait != 420*time.Second {
		t.Fatalf("wait = %s, want 420s", rl.Wait)
	}
}

func TestFloodWaitWithoutHintDefaultsToMinute(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusTooManyRequests, "FLOOD_WAIT", "slow down", 0)
	})

	err := c.InviteUser(context.Background(), "acc_a", "-100200", "user1")
	var rl *invite.RateLimitedError
	if !errors.As(err, &rl) || rl.Wait != time.Minute {
		t.Fatalf("err = %v", err)
	}
}

func TestTransportFaultIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse connections
	c := NewClient(srv.URL, "", time.Second)

	if err := c.Ping(context.Background(), "acc_a"); !errors.Is(err, invite.ErrNetwork) {
		t.Fatalf("err = %v, want network sentinel", err)
	}
}

func TestMemberCount(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/acc_a/groups/-100200/members" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]int{"member_count": 4521})
	})

	n, err := c.MemberCount(context.Background(), "acc_a", "-100200")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4521 {
		t.Fatalf("count = %d", n)
	}
}

func TestMalformedErrorBodyDegradesToNetwork(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	})

	if err := c.Ping(context.Background(), "acc_a"); !errors.Is(err, invite.ErrNetwork) {
		t.Fatalf("err = %v", err)
	}
}
