package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g := NewGateway(srv.URL, "key", "gsfleet-test/1.0", 2, 5*time.Millisecond, 2*time.Second, nil)
	g.SetBearer("tok")
	return g, srv
}

func TestGetGroupInfoSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotKey string
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("x-api-key")
		_ = json.NewEncoder(w).Encode(Group{ID: 1, Name: "G"})
	})

	got, err := g.GetGroupInfo(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetGroupInfo: %v", err)
	}
	if got.ID != 1 || got.Name != "G" {
		t.Fatalf("unexpected group: %+v", got)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization header = %q", gotAuth)
	}
	if gotKey != "key" {
		t.Fatalf("x-api-key header = %q", gotKey)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	var attempts int
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Group{ID: 9})
	})

	got, err := g.GetGroupInfo(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetGroupInfo: %v", err)
	}
	if got.ID != 9 {
		t.Fatalf("unexpected group: %+v", got)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestDoExhaustsRetriesAndFails(t *testing.T) {
	var attempts int
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := g.GetGroupInfo(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (configured APIRequestAttempts)", attempts)
	}
}

func TestListJoinedGroupsFollowsPagination(t *testing.T) {
	var calls int
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			if got := r.URL.Query().Get("paginationToken"); got != "" {
				t.Fatalf("first request carried paginationToken=%q, want none", got)
			}
			w.Header().Set("paginationToken", "page2")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []GroupAndMember{{Group: Group{ID: 1}, Member: Member{UserID: "u1"}}},
			})
			return
		}
		if got := r.URL.Query().Get("paginationToken"); got != "page2" {
			t.Fatalf("second request paginationToken = %q, want %q", got, "page2")
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []GroupAndMember{{Group: Group{ID: 2}, Member: Member{UserID: "u1"}}},
		})
	})

	out, err := g.ListJoinedGroups(context.Background())
	if err != nil {
		t.Fatalf("ListJoinedGroups: %v", err)
	}
	if len(out) != 2 || out[0].Group.ID != 1 || out[1].Group.ID != 2 {
		t.Fatalf("unexpected pages merged: %+v", out)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestGetServerConnectionDetailsParsesResponse(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"allowed": true,
			"connection": map[string]interface{}{
				"address":        "10.0.0.1",
				"websocket_port": 7777,
			},
			"token": "console-tok",
		})
	})

	details, err := g.GetServerConnectionDetails(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetServerConnectionDetails: %v", err)
	}
	if !details.Allowed || details.Connection.Address != "10.0.0.1" || details.Connection.WebSocketPort != 7777 {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestAuthorizeFailsWithoutBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should never reach the server without a bearer")
	}))
	defer srv.Close()
	g := NewGateway(srv.URL, "key", "ua", 1, 0, time.Second, nil)

	_, err := g.GetGroupInfo(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error when no bearer has been set")
	}
}
