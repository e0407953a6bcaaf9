package filevine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_AcceptsAllShapes(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{`123`, 123},
		{`"456"`, 456},
		{`{"native": 789}`, 789},
		{`{"native": "42", "partner": null}`, 42},
		{`null`, 0},
		{`{"partner": 5}`, 0},
		{`""`, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseID(json.RawMessage(tt.raw)), tt.raw)
	}
	assert.Equal(t, int64(0), ParseID(json.RawMessage(`"abc"`)))
}

func TestFolderPayload_Parent(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{`{"parentId": {"native": 10}}`, 10},
		{`{"parentFolderId": {"native": 11}}`, 11},
		{`{"parentFolder": {"native": 12}}`, 12},
		{`{"parentId": 13}`, 13},
		{`{"links": {"parent": "/folders/54224569"}}`, 54224569},
		{`{"links": {"parent": {"href": "https://x/core/folders/77"}}}`, 77},
		{`{"links": {"self": "/folders/1"}}`, 0},
		{`{}`, 0},
	}
	for _, tt := range tests {
		var p folderPayload
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &p), tt.raw)
		assert.Equal(t, tt.want, p.parent(), tt.raw)
	}
}

func TestListRootFolders_Paginates(t *testing.T) {
	var pages atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/core/folders", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("projectId"))
		pages.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		switch offset {
		case 0:
			fmt.Fprint(w, `{"items":[{"folderId":{"native":1},"name":"Pictures"},{"folderId":{"native":2},"name":"Bills"}],"hasMore":true}`)
		case 2:
			fmt.Fprint(w, `{"items":[{"folderId":{"native":3},"name":"Notes"},{"name":"no id"}],"hasMore":false}`)
		default:
			t.Errorf("unexpected offset %d", offset)
		}
	}), nil)
	defer ts.Close()

	roots, err := c.ListRootFolders(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, roots, 3)
	assert.Equal(t, int64(3), roots[2].ID)
	assert.Equal(t, "Notes", roots[2].Name)
	assert.Equal(t, int32(2), pages.Load())
}

func TestListChildFolders_StopsOnEmptyPage(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/core/folders/1/children", r.URL.Path)
		if r.URL.Query().Get("offset") == "0" {
			fmt.Fprint(w, `{"items":[{"folderId":{"native":5},"name":"Vacation"}],"hasMore":true}`)
			return
		}
		fmt.Fprint(w, `{"items":[],"hasMore":true}`)
	}), nil)
	defer ts.Close()

	children, err := c.ListChildFolders(context.Background(), 42, 1)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, int64(1), children[0].ParentID)
}

func TestListDocuments_PartialOnFailure(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "0" {
			fmt.Fprint(w, `{"items":[
				{"documentId":{"native":77},"filename":"photo.jpg","size":12,"folderId":{"native":2},"folderName":"Vacation","modifiedDate":"2024-05-01T10:00:00Z"},
				{"documentId":78,"filename":"","uploadDate":"2024-05-02T10:00:00Z"},
				{"filename":"orphan.txt"}
			],"hasMore":true}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}), nil)
	defer ts.Close()

	docs, err := c.ListDocuments(context.Background(), 42)
	require.Error(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, int64(77), docs[0].ID)
	assert.Equal(t, "photo.jpg", docs[0].Filename)
	assert.Equal(t, int64(12), docs[0].Size)
	assert.Equal(t, int64(2), docs[0].FolderID)
	assert.Equal(t, "Vacation", docs[0].FolderName)
	assert.Equal(t, 2024, docs[0].Modified.Year())

	assert.Equal(t, "document_78", docs[1].Filename)
	assert.Equal(t, 2, docs[1].Modified.Day())
}

func TestGetFolderAndProject(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/core/folders/5":
			fmt.Fprint(w, `{"name":"Vacation","links":{"parent":"/folders/1"}}`)
		case "/core/projects/42":
			fmt.Fprint(w, `{"projectId":{"native":42},"projectOrClientName":"Smith v. Jones"}`)
		default:
			http.NotFound(w, r)
		}
	}), nil)
	defer ts.Close()

	f, err := c.GetFolder(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.ID)
	assert.Equal(t, int64(1), f.ParentID)

	p, err := c.GetProject(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "Smith v. Jones", p.Name)

	_, err = c.GetFolder(context.Background(), 6)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentExists(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/core/documents/1":
			fmt.Fprint(w, `{}`)
		case "/core/documents/2":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}), nil)
	defer ts.Close()

	ctx := context.Background()
	exists, err := c.DocumentExists(ctx, 1)
	assert.True(t, exists)
	assert.NoError(t, err)

	exists, err = c.DocumentExists(ctx, 2)
	assert.False(t, exists)
	assert.NoError(t, err)

	exists, err = c.DocumentExists(ctx, 3)
	assert.True(t, exists, "inconclusive probes must assume the document exists")
	assert.Error(t, err)
}

func TestFetchContent_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "download links are fetched without credentials")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("bytes"))
	}), nil)
	defer ts.Close()

	body, err := c.FetchContent(context.Background(), ts.URL+"/blob?sig=abc")
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchContent_GivesUp(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), nil)
	defer ts.Close()

	_, err := c.FetchContent(context.Background(), ts.URL+"/blob?sig=abc")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sig=abc")
	assert.Equal(t, int32(1+maxContentRetries), calls.Load())
}

func TestFetchContent_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}), nil)
	defer ts.Close()

	_, err := c.FetchContent(context.Background(), ts.URL+"/blob")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
