package tableau

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient signs in to a test server and disables retry delays.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.EnvironmentConfig{
		ServerURL:      srv.URL,
		APIVersion:     "3.23",
		PATName:        "migrator",
		PATSecret:      "s3cret",
		SiteContentURL: "analytics",
		Timeout:        5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	c.backoff = func(int) time.Duration { return 0 }
	if err := c.SignIn(context.Background()); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	return c
}

func signInHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode sign-in body: %v", err)
		}
		if req.Credentials.PATName != "migrator" || req.Credentials.PATSecret != "s3cret" {
			t.Errorf("unexpected credentials: %+v", req.Credentials)
		}
		if req.Credentials.Site.ContentURL != "analytics" {
			t.Errorf("site content url = %q", req.Credentials.Site.ContentURL)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"credentials":{"token":"tok-1","site":{"id":"site-1","contentUrl":"analytics"},"user":{"id":"user-1"}}}`)
	}
}

func requireAuth(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("X-Tableau-Auth"); got != "tok-1" {
		t.Errorf("X-Tableau-Auth = %q, want tok-1", got)
	}
}

func TestSignInAndOut(t *testing.T) {
	var signedOut atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("POST /api/3.23/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		signedOut.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	if c.SiteID() != "site-1" || c.SiteContentURL() != "analytics" {
		t.Errorf("site = %q/%q", c.SiteID(), c.SiteContentURL())
	}
	if c.ServerURL() != srv.URL {
		t.Errorf("ServerURL = %q", c.ServerURL())
	}

	c.SignOut(context.Background())
	if !signedOut.Load() {
		t.Error("expected sign-out request")
	}
}

func TestSignInRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":"401001","summary":"Signin Error","detail":"bad token"}}`)
	}))
	defer srv.Close()

	c, err := NewClient(config.EnvironmentConfig{ServerURL: srv.URL, PATName: "n", PATSecret: "s"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	err = c.SignIn(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.Code != "401001" || httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("httpErr = %+v", httpErr)
	}
	if strings.Contains(err.Error(), "s3cret") {
		t.Error("error leaks secret")
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(config.EnvironmentConfig{ServerURL: "ftp://x"}, nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestDownloadWorkbook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/workbooks/wb-1/content", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		if r.URL.Query().Get("includeExtract") != "false" {
			t.Errorf("includeExtract = %q", r.URL.Query().Get("includeExtract"))
		}
		w.Header().Set("Content-Disposition", `name="tableau_workbook"; filename="Sales Overview.twbx"`)
		_, _ = io.WriteString(w, "PK-bytes")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	art, err := c.Download(context.Background(), KindWorkbook, "wb-1")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if art.Filename != "Sales Overview.twbx" {
		t.Errorf("Filename = %q", art.Filename)
	}
	if string(art.Data) != "PK-bytes" {
		t.Errorf("Data = %q", art.Data)
	}
}

func TestDownloadDefaultFilename(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/datasources/ds-1/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	art, err := c.Download(context.Background(), KindDatasource, "ds-1")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if art.Filename != "downloaded_datasource.tdsx" {
		t.Errorf("Filename = %q", art.Filename)
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/datasources/ds-1/content", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.Download(context.Background(), KindDatasource, "ds-1"); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestDownloadNotFoundIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/datasources/missing/content", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"404011","summary":"Resource Not Found","detail":"no datasource"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Download(context.Background(), KindDatasource, "missing")
	if !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestDownloadTooLarge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/datasources/ds-1/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 2048))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	c.maxArtifact = 1024
	if _, err := c.Download(context.Background(), KindDatasource, "ds-1"); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestPublishWorkbook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("POST /api/3.23/sites/site-1/workbooks", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		q := r.URL.Query()
		if q.Get("overwrite") != "true" || q.Get("skipConnectionCheck") != "true" {
			t.Errorf("query = %v", q)
		}

		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/mixed" {
			t.Fatalf("content type = %q (%v)", r.Header.Get("Content-Type"), err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])

		payload, err := mr.NextPart()
		if err != nil {
			t.Fatalf("payload part: %v", err)
		}
		if !strings.Contains(payload.Header.Get("Content-Disposition"), `name="request_payload"`) {
			t.Errorf("payload disposition = %q", payload.Header.Get("Content-Disposition"))
		}
		xmlBody, _ := io.ReadAll(payload)
		for _, want := range []string{"<tsRequest>", `<workbook name="Sales" showTabs="true">`, `<project id="proj-9">`} {
			if !strings.Contains(string(xmlBody), want) {
				t.Errorf("payload %s missing %s", xmlBody, want)
			}
		}

		file, err := mr.NextPart()
		if err != nil {
			t.Fatalf("file part: %v", err)
		}
		disp := file.Header.Get("Content-Disposition")
		if !strings.Contains(disp, `name="tableau_workbook"`) || !strings.Contains(disp, `filename="Sales.twb"`) {
			t.Errorf("file disposition = %q", disp)
		}
		content, _ := io.ReadAll(file)
		if string(content) != "<workbook/>" {
			t.Errorf("file content = %q", content)
		}

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"workbook":{"id":"wb-new","name":"Sales","contentUrl":"Sales_1","webpageUrl":"https://prod/#/workbooks/77"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	item, err := c.Publish(context.Background(), KindWorkbook, PublishRequest{
		Name:      "Sales",
		ProjectID: "proj-9",
		Filename:  "Sales.twb",
		Content:   strings.NewReader("<workbook/>"),
		Overwrite: true,
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if item.ID != "wb-new" || item.ContentURL != "Sales_1" || item.WebpageURL != "https://prod/#/workbooks/77" {
		t.Errorf("item = %+v", item)
	}
}

func TestPublishDatasourceWithoutOverwrite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("POST /api/3.23/sites/site-1/datasources", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"datasource":{"id":"ds-new","name":"Orders","contentUrl":"Orders"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	item, err := c.Publish(context.Background(), KindDatasource, PublishRequest{
		Name:      "Orders",
		ProjectID: "p",
		Content:   strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if item.ContentURL != "Orders" {
		t.Errorf("ContentURL = %q", item.ContentURL)
	}
}

func TestPublishRequiresProject(t *testing.T) {
	c, err := NewClient(config.EnvironmentConfig{ServerURL: "https://example.com"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Publish(context.Background(), KindDatasource, PublishRequest{Name: "x"}); err == nil {
		t.Fatal("expected error without project id")
	}
}

func TestGetDatasourceNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "ds-1" {
			_, _ = io.WriteString(w, `{"datasource":{"id":"ds-1","name":"Orders","contentUrl":"Orders_dev","project":{"id":"p1","name":"Default"}}}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	item, err := c.GetDatasource(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("GetDatasource failed: %v", err)
	}
	if item.ContentURL != "Orders_dev" || item.Project.Name != "Default" {
		t.Errorf("item = %+v", item)
	}

	if _, err := c.GetDatasource(context.Background(), "nope"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListDatasourcesPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/datasources", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pageNumber") {
		case "1":
			_, _ = io.WriteString(w, `{"pagination":{"pageNumber":"1","pageSize":"100","totalAvailable":"101"},
				"datasources":{"datasource":[{"id":"a","name":"A"}]}}`)
		case "2":
			_, _ = io.WriteString(w, `{"pagination":{"pageNumber":"2","pageSize":"100","totalAvailable":"101"},
				"datasources":{"datasource":[{"id":"b","name":"B"}]}}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("pageNumber"))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	items, err := c.ListDatasources(context.Background())
	if err != nil {
		t.Fatalf("ListDatasources failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" {
		t.Errorf("items = %+v", items)
	}
}

func TestListProjects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.23/auth/signin", signInHandler(t))
	mux.HandleFunc("GET /api/3.23/sites/site-1/projects", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"pagination":{"pageNumber":"1","pageSize":"100","totalAvailable":"2"},
			"projects":{"project":[{"id":"p1","name":"Default"},{"id":"p2","name":"Finance"}]}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	projects, err := c.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 2 || projects[1].Name != "Finance" {
		t.Errorf("projects = %+v", projects)
	}
}

func TestFilenameFromDisposition(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`name="tableau_datasource"; filename="Orders.tdsx"`, "Orders.tdsx"},
		{`attachment; filename=Book.twb`, "Book.twb"},
		{`attachment; filename="../../evil.twb"`, "evil.twb"},
		{``, "fallback.twb"},
	}
	for _, tt := range tests {
		if got := filenameFromDisposition(tt.header, "fallback.twb"); got != tt.want {
			t.Errorf("filenameFromDisposition(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	for attempt := 1; attempt <= 3; attempt++ {
		base := time.Duration(1<<(attempt-1)) * time.Second
		d := calculateBackoffDelay(attempt)
		if d < base || d >= base+base/2 {
			t.Errorf("attempt %d: delay %v outside [%v, %v)", attempt, d, base, base+base/2)
		}
	}
}
