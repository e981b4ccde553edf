package tableau

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractConnections(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantIDs []string
	}{
		{"nested single", `{"connections":{"connection":{"id":"c1"}}}`, []string{"c1"}},
		{"nested list", `{"connections":{"connection":[{"id":"c1"},{"id":"c2"}]}}`, []string{"c1", "c2"}},
		{"flat list", `{"connections":[{"id":"c1"},{"id":"c2"},{"id":"c3"}]}`, []string{"c1", "c2", "c3"}},
		{"bare single", `{"connection":{"id":"c9","serverAddress":"db.dev"}}`, []string{"c9"}},
		{"bare list", `{"connection":[{"id":"c4"}]}`, []string{"c4"}},
		{"empty wrapper", `{"connections":{}}`, nil},
		{"nothing", `{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conns, err := ExtractConnections([]byte(tt.body))
			if err != nil {
				t.Fatalf("ExtractConnections failed: %v", err)
			}
			if len(conns) != len(tt.wantIDs) {
				t.Fatalf("got %d connections, want %d", len(conns), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if conns[i].ID != id {
					t.Errorf("conns[%d].ID = %q, want %q", i, conns[i].ID, id)
				}
			}
		})
	}
}

func TestExtractConnectionsInvalid(t *testing.T) {
	if _, err := ExtractConnections([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestGetAndUpdateConnection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/datasources/ds-1/connections", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		_, _ = io.WriteString(w, `{"connections":{"connection":[{"id":"c1","serverAddress":"db.dev"},{"id":"c2"}]}}`)
	})
	mux.HandleFunc("PUT /api/3.23/sites/site-1/datasources/ds-1/connections/c1", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		var body map[string]ConnectionUpdate
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		u := body["connection"]
		if u.ServerAddress != "db.prod" || u.ServerPort != "5432" || u.UserName != "svc" || u.Password != "pw" || !u.EmbedPassword {
			t.Errorf("update = %+v", u)
		}
		_, _ = io.WriteString(w, `{"connection":{"id":"c1","serverAddress":"db.prod","serverPort":"5432","userName":"svc","embedPassword":true}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	conns, err := c.GetConnections(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("GetConnections failed: %v", err)
	}
	if len(conns) != 2 || conns[0].ServerAddress != "db.dev" {
		t.Fatalf("conns = %+v", conns)
	}

	updated, err := c.UpdateConnection(context.Background(), "ds-1", "c1", ConnectionUpdate{
		ServerAddress: "db.prod",
		ServerPort:    "5432",
		UserName:      "svc",
		Password:      "pw",
		EmbedPassword: true,
	})
	if err != nil {
		t.Fatalf("UpdateConnection failed: %v", err)
	}
	if updated.ServerAddress != "db.prod" || !updated.EmbedPassword {
		t.Errorf("updated = %+v", updated)
	}
}
