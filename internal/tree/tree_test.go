package tree

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fvsync/fvsync/internal/models"
)

var errUnavailable = errors.New("unavailable")

// fakeAPI is an in-memory folder tree.
type fakeAPI struct {
	mu       sync.Mutex
	folders  map[int64]models.FolderNode
	roots    []int64
	rootsErr error
	failing  map[int64]bool
	docs     []models.Document
	gets     map[int64]int
	// extra lists additional child entries per parent, such as an
	// ancestor or a repeated id.
	extra map[int64][]int64
	lists map[int64]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		folders: make(map[int64]models.FolderNode),
		failing: make(map[int64]bool),
		gets:    make(map[int64]int),
		extra:   make(map[int64][]int64),
		lists:   make(map[int64]int),
	}
}

func (f *fakeAPI) add(id, parent int64, name string) {
	f.folders[id] = models.FolderNode{ID: id, Name: name, ParentID: parent}
	if parent == 0 {
		f.roots = append(f.roots, id)
	}
}

func (f *fakeAPI) GetFolder(_ context.Context, id int64) (models.FolderNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[id]++
	if f.failing[id] {
		return models.FolderNode{}, errUnavailable
	}
	n, ok := f.folders[id]
	if !ok {
		return models.FolderNode{}, errors.New("no such folder")
	}
	return n, nil
}

func (f *fakeAPI) ListRootFolders(context.Context, int64) ([]models.FolderNode, error) {
	if f.rootsErr != nil {
		return nil, f.rootsErr
	}
	var out []models.FolderNode
	for _, id := range f.roots {
		out = append(out, f.folders[id])
	}
	return out, nil
}

func (f *fakeAPI) ListChildFolders(_ context.Context, _ int64, parent int64) ([]models.FolderNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[parent]++
	var out []models.FolderNode
	for _, n := range f.folders {
		if n.ParentID == parent {
			out = append(out, n)
		}
	}
	for _, id := range f.extra[parent] {
		out = append(out, f.folders[id])
	}
	return out, nil
}

func (f *fakeAPI) ListDocuments(context.Context, int64) ([]models.Document, error) {
	return f.docs, nil
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Pictures", "Pictures"},
		{"", "Unnamed"},
		{"...", "Unnamed"},
		{`a<b>c:d"e/f\g|h?i*j`, "abcdefghij"},
		{"  lots   of\tspace  ", "lots of space"},
		{"trailing.", "trailing"},
		{"bell\x07char", "bellchar"},
		{"Café", "Café"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "Sanitize(%q)", tt.in)
	}
}

func TestJoinKeyAndLevels(t *testing.T) {
	assert.Equal(t, "a/b/c.txt", JoinKey("/a/", "", `b\`, "c.txt"))
	assert.Equal(t, "", JoinKey("", "/"))
	assert.Equal(t, []string{"A", "A/B", "A/B/C"}, Levels("/A/B//C/"))
	assert.Nil(t, Levels(""))
}

func TestResolve_JoinsAncestorNames(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "Pictures")
	api.add(2, 1, "Vacation")
	api.add(3, 2, "Beach: Day 1")

	r := NewResolver(api)
	p, err := r.Resolve(context.Background(), 3, "Documents", true)
	require.NoError(t, err)
	assert.Equal(t, "Pictures/Vacation/Beach Day 1", p)

	// Every hop was cached, so resolving an ancestor costs nothing.
	p, err = r.Resolve(context.Background(), 2, "Documents", true)
	require.NoError(t, err)
	assert.Equal(t, "Pictures/Vacation", p)
	assert.Equal(t, 1, api.gets[2])
}

func TestResolve_ZeroIDUsesFallback(t *testing.T) {
	r := NewResolver(newFakeAPI())
	p, err := r.Resolve(context.Background(), 0, "Inbox/", true)
	require.NoError(t, err)
	assert.Equal(t, "Inbox", p)
}

func TestResolve_StrictFailureNotCached(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "Pictures")
	api.add(2, 1, "Vacation")
	api.failing[1] = true

	r := NewResolver(api)
	_, err := r.Resolve(context.Background(), 2, "Documents", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 0, r.Len())

	api.failing[1] = false
	p, err := r.Resolve(context.Background(), 2, "Documents", true)
	require.NoError(t, err)
	assert.Equal(t, "Pictures/Vacation", p)
}

func TestResolve_NonStrictFallbackNotCached(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "Pictures")
	api.failing[1] = true

	r := NewResolver(api)
	p, err := r.Resolve(context.Background(), 1, "Loose Files", false)
	require.NoError(t, err)
	assert.Equal(t, "Loose Files", p)
	_, cached := r.Lookup(1)
	assert.False(t, cached)
}

func TestResolve_Cycle(t *testing.T) {
	api := newFakeAPI()
	api.folders[1] = models.FolderNode{ID: 1, Name: "A", ParentID: 2}
	api.folders[2] = models.FolderNode{ID: 2, Name: "B", ParentID: 1}

	r := NewResolver(api)
	_, err := r.Resolve(context.Background(), 1, "", true)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestResolve_DepthBound(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "root")
	for id := int64(2); id <= 10; id++ {
		api.add(id, id-1, "level")
	}

	r := NewResolver(api).WithMaxDepth(5)
	_, err := r.Resolve(context.Background(), 10, "", true)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	p, err := r.Resolve(context.Background(), 10, "Documents", false)
	require.NoError(t, err)
	assert.Equal(t, "Documents", p)
}

func TestDiscover_IncludesEmptyFolders(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "Pictures")
	api.add(2, 1, "Vacation")
	api.add(3, 0, "Empty Root")
	api.add(4, 2, "Empty Child")

	r := NewResolver(api)
	paths, err := NewDiscoverer(api, api, r).Discover(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, map[int64]string{
		1: "Pictures",
		2: "Pictures/Vacation",
		3: "Empty Root",
		4: "Pictures/Vacation/Empty Child",
	}, paths)

	// The discovered paths seed the resolver.
	p, ok := r.Lookup(4)
	assert.True(t, ok)
	assert.Equal(t, "Pictures/Vacation/Empty Child", p)
}

func TestDiscover_CyclicChildListingTerminates(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "A")
	api.add(2, 1, "B")
	// B lists its own ancestor and itself as children.
	api.extra[2] = []int64{1, 2, 2}
	// A lists B a second time.
	api.extra[1] = []int64{2}

	paths, err := NewDiscoverer(api, api, NewResolver(api)).Discover(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, map[int64]string{1: "A", 2: "A/B"}, paths)
	assert.Equal(t, map[int64]int{1: 1, 2: 1}, api.lists, "each folder is listed once")
}

func TestDiscover_SkipsUnresolvableRootButWalksChildren(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "Pictures")
	api.add(2, 1, "Vacation")
	api.failing[1] = true

	paths, err := NewDiscoverer(api, api, NewResolver(api)).Discover(context.Background(), 42)
	require.NoError(t, err)
	_, ok := paths[1]
	assert.False(t, ok)
	_, ok = paths[2]
	assert.False(t, ok, "child of an unresolvable root must not get a guessed path")
}

func TestDiscover_FallsBackToDocuments(t *testing.T) {
	api := newFakeAPI()
	api.add(1, 0, "Pictures")
	api.add(2, 1, "Vacation")
	api.add(9, 0, "Gone")
	api.failing[9] = true
	api.rootsErr = errUnavailable
	api.docs = []models.Document{
		{ID: 100, FolderID: 2},
		{ID: 101, FolderID: 2},
		{ID: 102, FolderID: 9},
		{ID: 103},
	}

	paths, err := NewDiscoverer(api, api, NewResolver(api)).Discover(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{
		2: "Pictures/Vacation",
		9: "Documents",
	}, paths)
}
