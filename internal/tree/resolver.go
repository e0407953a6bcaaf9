package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/models"
)

// DefaultMaxDepth bounds a parent walk. Real trees are far shallower.
const DefaultMaxDepth = 64

var (
	ErrCycle         = errors.New("folder parent chain contains a cycle")
	ErrDepthExceeded = errors.New("folder parent chain too deep")
)

// FolderGetter fetches a single folder's name and parent.
type FolderGetter interface {
	GetFolder(ctx context.Context, folderID int64) (models.FolderNode, error)
}

// Resolver turns folder ids into full paths by walking parent links. Paths
// obtained from a complete walk are cached for the lifetime of the
// Resolver; fallbacks never are. A Resolver belongs to one sync run.
type Resolver struct {
	api      FolderGetter
	maxDepth int

	mu    sync.RWMutex
	cache map[int64]string
}

// NewResolver returns a Resolver with an empty cache.
func NewResolver(api FolderGetter) *Resolver {
	return &Resolver{
		api:      api,
		maxDepth: DefaultMaxDepth,
		cache:    make(map[int64]string),
	}
}

// WithMaxDepth overrides the parent-walk bound.
func (r *Resolver) WithMaxDepth(n int) *Resolver {
	if n > 0 {
		r.maxDepth = n
	}
	return r
}

// Lookup returns a cached path.
func (r *Resolver) Lookup(folderID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[folderID]
	return p, ok
}

// Seed records a path learned from real data, such as a child listing
// under an already resolved parent.
func (r *Resolver) Seed(folderID int64, path string) {
	if folderID == 0 || path == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[folderID]; !ok {
		r.cache[folderID] = path
	}
}

// Len returns the number of cached paths.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Resolve returns the full path of folderID.
//
// A zero folderID yields the sanitized fallback. When the walk fails (fetch
// error, cycle, or depth bound), strict mode returns the error and
// non-strict mode returns the sanitized fallback; neither caches anything.
func (r *Resolver) Resolve(ctx context.Context, folderID int64, fallback string, strict bool) (string, error) {
	if folderID == 0 {
		return Sanitize(fallback), nil
	}
	if p, ok := r.Lookup(folderID); ok {
		return p, nil
	}

	path, err := r.walk(ctx, folderID)
	if err != nil {
		if strict {
			return "", err
		}
		logging.WithContext(ctx).Warn("folder path unresolved, using fallback",
			logging.FolderID(folderID),
			zap.String("fallback", Sanitize(fallback)),
			zap.Error(err),
		)
		return Sanitize(fallback), nil
	}
	return path, nil
}

type hop struct {
	id   int64
	name string
}

// walk climbs parent links until it reaches a root or a cached ancestor,
// then caches every folder on the way back down.
func (r *Resolver) walk(ctx context.Context, folderID int64) (string, error) {
	var chain []hop
	visited := make(map[int64]bool)
	base := ""

	for cursor := folderID; cursor != 0; {
		if p, ok := r.Lookup(cursor); ok {
			base = p
			break
		}
		if visited[cursor] {
			return "", fmt.Errorf("folder %d: %w", folderID, ErrCycle)
		}
		if len(chain) >= r.maxDepth {
			return "", fmt.Errorf("folder %d: %w", folderID, ErrDepthExceeded)
		}
		visited[cursor] = true

		node, err := r.api.GetFolder(ctx, cursor)
		if err != nil {
			return "", fmt.Errorf("fetch folder %d: %w", cursor, err)
		}
		chain = append(chain, hop{id: cursor, name: Sanitize(node.Name)})
		cursor = node.ParentID
	}

	path := base
	for i := len(chain) - 1; i >= 0; i-- {
		path = JoinKey(path, chain[i].name)
		r.Seed(chain[i].id, path)
	}
	logging.WithContext(ctx).Debug("folder resolved",
		logging.FolderID(folderID), zap.String("path", path))
	return path, nil
}
