package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/safety"
)

// Kind is a publishable content type.
type Kind string

const (
	KindDatasource Kind = "datasource"
	KindWorkbook   Kind = "workbook"
)

func (k Kind) collection() string { return string(k) + "s" }

func (k Kind) filePart() string { return "tableau_" + string(k) }

// DefaultFilename is used when the server sends no Content-Disposition.
func (k Kind) DefaultFilename() string {
	if k == KindWorkbook {
		return "downloaded_workbook.twb"
	}
	return "downloaded_datasource.tdsx"
}

// Project is a container for published content.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Item is a published datasource or workbook as described by the server.
type Item struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	ContentURL string  `json:"contentUrl"`
	WebpageURL string  `json:"webpageUrl,omitempty"`
	Project    Project `json:"project"`
}

// Artifact is a downloaded datasource or workbook file.
type Artifact struct {
	Filename string
	Data     []byte
}

// PublishRequest describes one publish call.
type PublishRequest struct {
	Name      string
	ProjectID string
	Filename  string
	Content   io.Reader
	Overwrite bool
}

var filenamePattern = regexp.MustCompile(`filename="?([^";]+)"?`)

// filenameFromDisposition extracts the filename parameter. The server sends
// headers such as `name="tableau_workbook"; filename="Sales.twbx"`, which are
// not valid media types, so a pattern is used instead of mime.ParseMediaType.
func filenameFromDisposition(header, fallback string) string {
	m := filenamePattern.FindStringSubmatch(header)
	if m == nil {
		return fallback
	}
	return safety.SanitizeFilename(m[1], fallback)
}

// Download fetches the artifact bytes for a datasource or workbook. Workbooks
// are downloaded without extracts.
func (c *Client) Download(ctx context.Context, kind Kind, id string) (*Artifact, error) {
	endpoint := c.sitePath("/%s/%s/content", kind.collection(), url.PathEscape(id))
	if kind == KindWorkbook {
		endpoint += "?includeExtract=false"
	}

	c.logger.Info("downloading artifact", "kind", kind, "id", id)

	data, header, err := c.withRetry(ctx, endpoint, func() ([]byte, http.Header, error) {
		return c.do(ctx, http.MethodGet, endpoint, nil, "", c.maxArtifact)
	})
	if err != nil {
		return nil, fmt.Errorf("download %s %s: %w", kind, id, err)
	}

	filename := filenameFromDisposition(header.Get("Content-Disposition"), kind.DefaultFilename())
	c.logger.Info("artifact downloaded", "kind", kind, "id", id, "file", filename, "size", humanize.Bytes(uint64(len(data))))
	return &Artifact{Filename: filename, Data: data}, nil
}

type publishItem struct {
	Name     string `xml:"name,attr"`
	ShowTabs string `xml:"showTabs,attr,omitempty"`
	Project  struct {
		ID string `xml:"id,attr"`
	} `xml:"project"`
}

type publishPayload struct {
	XMLName    xml.Name     `xml:"tsRequest"`
	Datasource *publishItem `xml:"datasource,omitempty"`
	Workbook   *publishItem `xml:"workbook,omitempty"`
}

// Publish uploads an artifact in a single multipart/mixed request. With
// Overwrite set, content of the same name in the project is replaced.
func (c *Client) Publish(ctx context.Context, kind Kind, req PublishRequest) (*Item, error) {
	if req.Name == "" || req.ProjectID == "" {
		return nil, fmt.Errorf("publish %s: name and project id are required", kind)
	}
	if req.Filename == "" {
		req.Filename = kind.DefaultFilename()
	}

	item := &publishItem{Name: req.Name}
	item.Project.ID = req.ProjectID
	payload := publishPayload{}
	if kind == KindWorkbook {
		item.ShowTabs = "true"
		payload.Workbook = item
	} else {
		payload.Datasource = item
	}
	xmlPayload, err := xml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal publish payload: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `name="request_payload"`)
	h.Set("Content-Type", "text/xml")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create payload part: %w", err)
	}
	if _, err := part.Write(xmlPayload); err != nil {
		return nil, fmt.Errorf("write payload part: %w", err)
	}

	h = textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`name=%q; filename=%q`, kind.filePart(), req.Filename))
	h.Set("Content-Type", "application/octet-stream")
	part, err = mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, req.Content); err != nil {
		return nil, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	query := url.Values{}
	if req.Overwrite {
		query.Set("overwrite", "true")
	}
	if kind == KindWorkbook {
		query.Set("skipConnectionCheck", "true")
	}
	endpoint := c.sitePath("/%s", kind.collection())
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	c.logger.Info("publishing artifact", "kind", kind, "name", req.Name, "project", req.ProjectID,
		"overwrite", req.Overwrite, "size", humanize.Bytes(uint64(body.Len())))

	data, _, err := c.do(ctx, http.MethodPost, endpoint, &body, "multipart/mixed; boundary="+mw.Boundary(), maxMetadataBytes)
	if err != nil {
		return nil, fmt.Errorf("publish %s %q: %w", kind, req.Name, err)
	}

	published, err := decodeItem(data, kind)
	if err != nil {
		return nil, fmt.Errorf("publish %s %q: %w", kind, req.Name, err)
	}
	c.logger.Info("artifact published", "kind", kind, "name", published.Name, "id", published.ID, "content_url", published.ContentURL)
	return published, nil
}

func decodeItem(data []byte, kind Kind) (*Item, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	raw, ok := envelope[string(kind)]
	if !ok {
		return nil, fmt.Errorf("response has no %q element", kind)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return &item, nil
}

// GetDatasource returns the server's description of a datasource, including
// its content URL.
func (c *Client) GetDatasource(ctx context.Context, id string) (*Item, error) {
	return c.getItem(ctx, KindDatasource, id)
}

func (c *Client) getItem(ctx context.Context, kind Kind, id string) (*Item, error) {
	endpoint := c.sitePath("/%s/%s", kind.collection(), url.PathEscape(id))
	var envelope map[string]json.RawMessage
	if err := c.getJSON(ctx, endpoint, &envelope); err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil, errors.NewNotFound(err, fmt.Sprintf("%s %s", kind, id))
		}
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	raw, ok := envelope[string(kind)]
	if !ok {
		return nil, fmt.Errorf("get %s %s: response has no %q element", kind, id, kind)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return &item, nil
}

type pagination struct {
	PageNumber     string `json:"pageNumber"`
	PageSize       string `json:"pageSize"`
	TotalAvailable string `json:"totalAvailable"`
}

// morePages reports whether another page follows the one described by p.
func (p pagination) morePages() bool {
	number, err1 := strconv.Atoi(p.PageNumber)
	size, err2 := strconv.Atoi(p.PageSize)
	total, err3 := strconv.Atoi(p.TotalAvailable)
	if err1 != nil || err2 != nil || err3 != nil || size == 0 {
		return false
	}
	return number*size < total
}

const pageSize = 100

// ListProjects returns every project on the site.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	for page := 1; ; page++ {
		var resp struct {
			Pagination pagination `json:"pagination"`
			Projects   struct {
				Project []Project `json:"project"`
			} `json:"projects"`
		}
		endpoint := c.sitePath("/projects?pageSize=%d&pageNumber=%d", pageSize, page)
		if err := c.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		out = append(out, resp.Projects.Project...)
		if !resp.Pagination.morePages() {
			return out, nil
		}
	}
}

// ListDatasources returns every datasource on the site.
func (c *Client) ListDatasources(ctx context.Context) ([]Item, error) {
	return c.listItems(ctx, KindDatasource)
}

// ListWorkbooks returns every workbook on the site.
func (c *Client) ListWorkbooks(ctx context.Context) ([]Item, error) {
	return c.listItems(ctx, KindWorkbook)
}

func (c *Client) listItems(ctx context.Context, kind Kind) ([]Item, error) {
	var out []Item
	for page := 1; ; page++ {
		var raw map[string]json.RawMessage
		endpoint := c.sitePath("/%s?pageSize=%d&pageNumber=%d", kind.collection(), pageSize, page)
		if err := c.getJSON(ctx, endpoint, &raw); err != nil {
			return nil, fmt.Errorf("list %s: %w", kind.collection(), err)
		}
		var pages pagination
		if p, ok := raw["pagination"]; ok {
			if err := json.Unmarshal(p, &pages); err != nil {
				return nil, fmt.Errorf("decode pagination: %w", err)
			}
		}
		if wrapper, ok := raw[kind.collection()]; ok {
			var inner map[string][]Item
			if err := json.Unmarshal(wrapper, &inner); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind.collection(), err)
			}
			out = append(out, inner[string(kind)]...)
		}
		if !pages.morePages() {
			return out, nil
		}
	}
}
