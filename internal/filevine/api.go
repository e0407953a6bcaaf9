package filevine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/models"
	"github.com/fvsync/fvsync/internal/tree"
	"github.com/fvsync/fvsync/pkg/retry"
)

const (
	probeTimeout       = 8 * time.Second
	maxContentRetries  = 4
	defaultDocFilename = "document_%d"
)

var folderLinkRe = regexp.MustCompile(`/folders/(\d+)`)

type page[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"hasMore"`
}

type projectPayload struct {
	ProjectID           ID     `json:"projectId"`
	ProjectOrClientName string `json:"projectOrClientName"`
	ProjectName         string `json:"projectName"`
}

type folderPayload struct {
	FolderID       ID              `json:"folderId"`
	Name           string          `json:"name"`
	ParentID       ID              `json:"parentId"`
	ParentFolderID ID              `json:"parentFolderId"`
	ParentFolder   ID              `json:"parentFolder"`
	Links          json.RawMessage `json:"links"`
}

// parent returns the parent folder id from whichever field carries it.
func (p folderPayload) parent() int64 {
	for _, id := range []ID{p.ParentID, p.ParentFolderID, p.ParentFolder} {
		if id != 0 {
			return int64(id)
		}
	}
	var links struct {
		Parent json.RawMessage `json:"parent"`
	}
	if len(p.Links) == 0 || json.Unmarshal(p.Links, &links) != nil {
		return 0
	}
	var href string
	if json.Unmarshal(links.Parent, &href) != nil {
		var obj struct {
			Href string `json:"href"`
		}
		if json.Unmarshal(links.Parent, &obj) != nil {
			return 0
		}
		href = obj.Href
	}
	if m := folderLinkRe.FindStringSubmatch(href); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		return id
	}
	return 0
}

func (p folderPayload) node() models.FolderNode {
	return models.FolderNode{
		ID:       int64(p.FolderID),
		Name:     p.Name,
		ParentID: p.parent(),
	}
}

type documentPayload struct {
	DocumentID   ID          `json:"documentId"`
	Filename     string      `json:"filename"`
	Size         json.Number `json:"size"`
	FolderID     ID          `json:"folderId"`
	FolderName   string      `json:"folderName"`
	ModifiedDate string      `json:"modifiedDate"`
	UploadDate   string      `json:"uploadDate"`
}

func (p documentPayload) document() models.Document {
	id := int64(p.DocumentID)
	name := p.Filename
	if name == "" {
		name = fmt.Sprintf(defaultDocFilename, id)
	}
	size, _ := p.Size.Int64()
	modified := p.ModifiedDate
	if modified == "" {
		modified = p.UploadDate
	}
	ts, _ := time.Parse(time.RFC3339Nano, modified)
	return models.Document{
		ID:         id,
		Filename:   tree.Sanitize(name),
		Size:       size,
		FolderID:   int64(p.FolderID),
		FolderName: p.FolderName,
		Modified:   ts,
	}
}

func (c *Client) url(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	resp, err := c.Execute(ctx, http.MethodGet, c.url(path, q), c.headers, nil)
	if err != nil {
		return err
	}
	if err := resp.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// paginate walks an offset/limit listing until hasMore is false or a page
// comes back empty. On error the items gathered so far are returned with it.
func paginate[T any](ctx context.Context, c *Client, path string, q url.Values, limit int) ([]T, error) {
	var all []T
	offset := 0
	for {
		pq := url.Values{}
		for k, v := range q {
			pq[k] = v
		}
		pq.Set("offset", strconv.Itoa(offset))
		pq.Set("limit", strconv.Itoa(limit))

		var p page[T]
		if err := c.getJSON(ctx, path, pq, &p); err != nil {
			return all, fmt.Errorf("list %s at offset %d: %w", path, offset, err)
		}
		if len(p.Items) == 0 {
			return all, nil
		}
		all = append(all, p.Items...)
		if !p.HasMore {
			return all, nil
		}
		offset += len(p.Items)
		if err := retry.Sleep(ctx, c.pageDelay); err != nil {
			return all, err
		}
	}
}

// GetProject returns project detail.
func (c *Client) GetProject(ctx context.Context, projectID int64) (models.Project, error) {
	var p projectPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/core/projects/%d", projectID), nil, &p); err != nil {
		return models.Project{}, err
	}
	name := p.ProjectOrClientName
	if name == "" {
		name = p.ProjectName
	}
	return models.Project{ID: projectID, Name: name}, nil
}

// GetFolder returns a folder's name and parent.
func (c *Client) GetFolder(ctx context.Context, folderID int64) (models.FolderNode, error) {
	var p folderPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/core/folders/%d", folderID), nil, &p); err != nil {
		return models.FolderNode{}, err
	}
	n := p.node()
	n.ID = folderID
	return n, nil
}

// ListRootFolders lists the project's top-level folders.
func (c *Client) ListRootFolders(ctx context.Context, projectID int64) ([]models.FolderNode, error) {
	q := url.Values{"projectId": {strconv.FormatInt(projectID, 10)}}
	items, err := paginate[folderPayload](ctx, c, "/core/folders", q, c.pageLimit)
	return folderNodes(items), err
}

// ListChildFolders lists the direct children of a folder.
func (c *Client) ListChildFolders(ctx context.Context, projectID, folderID int64) ([]models.FolderNode, error) {
	q := url.Values{"projectId": {strconv.FormatInt(projectID, 10)}}
	path := fmt.Sprintf("/core/folders/%d/children", folderID)
	items, err := paginate[folderPayload](ctx, c, path, q, c.pageLimit)
	nodes := folderNodes(items)
	for i := range nodes {
		if nodes[i].ParentID == 0 {
			nodes[i].ParentID = folderID
		}
	}
	return nodes, err
}

func folderNodes(items []folderPayload) []models.FolderNode {
	nodes := make([]models.FolderNode, 0, len(items))
	for _, it := range items {
		if it.FolderID == 0 {
			continue
		}
		nodes = append(nodes, it.node())
	}
	return nodes
}

// ListDocuments enumerates every document in a project. A failed page ends
// the listing; the documents collected before it are returned along with
// the error.
func (c *Client) ListDocuments(ctx context.Context, projectID int64) ([]models.Document, error) {
	q := url.Values{"projectId": {strconv.FormatInt(projectID, 10)}}
	items, err := paginate[documentPayload](ctx, c, "/core/documents", q, c.docPageLimit)
	docs := make([]models.Document, 0, len(items))
	for _, it := range items {
		if it.DocumentID == 0 {
			continue
		}
		docs = append(docs, it.document())
	}
	logging.WithContext(ctx).Info("documents listed",
		logging.ProjectID(projectID),
		zap.Int("count", len(docs)),
	)
	return docs, err
}

// GetDocument returns a single document's detail.
func (c *Client) GetDocument(ctx context.Context, documentID int64) (models.Document, error) {
	var p documentPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/core/documents/%d", documentID), nil, &p); err != nil {
		return models.Document{}, err
	}
	p.DocumentID = ID(documentID)
	return p.document(), nil
}

// DocumentExists probes for a document with a single short request. 200
// means it exists and 404 means it is gone. Any other outcome reports true
// along with the error, so callers never delete on an inconclusive answer.
func (c *Client) DocumentExists(ctx context.Context, documentID int64) (bool, error) {
	u := c.url(fmt.Sprintf("/core/documents/%d", documentID), nil)
	_, err := c.attempt(ctx, http.MethodGet, u, c.headers, nil, probeTimeout)
	switch {
	case err == nil:
		return true, nil
	case StatusCode(err) == http.StatusNotFound:
		return false, nil
	default:
		return true, err
	}
}

// FetchContent downloads document bytes from a pre-signed link. Transient
// failures are retried a bounded number of times with the client's backoff
// policy.
func (c *Client) FetchContent(ctx context.Context, link string) ([]byte, error) {
	var body []byte
	op := func() error {
		resp, err := c.attempt(ctx, http.MethodGet, link, nil, nil, c.contentTimeout)
		if err != nil {
			if ctx.Err() != nil || !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = resp.Body
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.policy.NewBackOff(), maxContentRetries), ctx)
	notify := func(err error, wait time.Duration) {
		metrics.RecordRetry("content")
		logging.WithContext(ctx).Warn("content fetch failed, retrying",
			zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	metrics.RecordContentDownload(int64(len(body)))
	return body, nil
}
