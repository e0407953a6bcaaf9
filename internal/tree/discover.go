package tree

import (
	"context"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/models"
)

// FolderLister is the folder side of the remote API.
type FolderLister interface {
	FolderGetter
	ListRootFolders(ctx context.Context, projectID int64) ([]models.FolderNode, error)
	ListChildFolders(ctx context.Context, projectID, folderID int64) ([]models.FolderNode, error)
}

// DocumentLister enumerates a project's documents.
type DocumentLister interface {
	ListDocuments(ctx context.Context, projectID int64) ([]models.Document, error)
}

// Discoverer builds the id to path map of every folder in a project,
// including folders that hold no documents.
type Discoverer struct {
	api      FolderLister
	docs     DocumentLister
	resolver *Resolver
}

// NewDiscoverer returns a Discoverer that shares resolver's cache.
func NewDiscoverer(api FolderLister, docs DocumentLister, resolver *Resolver) *Discoverer {
	return &Discoverer{api: api, docs: docs, resolver: resolver}
}

// Discover walks the folder tree breadth-first from the root-level folders.
// If no roots can be listed it falls back to the folders referenced by
// documents, which misses empty folders. Listing failures are logged and
// skipped; the only error returned is context cancellation.
func (d *Discoverer) Discover(ctx context.Context, projectID int64) (map[int64]string, error) {
	log := logging.WithContext(ctx).With(logging.ProjectID(projectID))

	roots, err := d.api.ListRootFolders(ctx, projectID)
	if err != nil {
		log.Warn("root folder listing incomplete", zap.Int("roots", len(roots)), zap.Error(err))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(roots) == 0 {
		log.Warn("no root folders listed, deriving structure from documents")
		return d.fromDocuments(ctx, projectID)
	}

	paths := make(map[int64]string)
	visited := make(map[int64]bool)
	queue := make([]int64, 0, len(roots))

	for _, root := range roots {
		if visited[root.ID] {
			continue
		}
		visited[root.ID] = true
		queue = append(queue, root.ID)

		p, err := d.resolver.Resolve(ctx, root.ID, "", true)
		if err != nil {
			log.Warn("cannot resolve root folder", logging.FolderID(root.ID), zap.Error(err))
			continue
		}
		paths[root.ID] = p
	}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return paths, ctx.Err()
		}
		parent := queue[0]
		queue = queue[1:]

		children, err := d.api.ListChildFolders(ctx, projectID, parent)
		if err != nil {
			log.Warn("child listing incomplete", logging.FolderID(parent), zap.Error(err))
		}
		parentPath, parentKnown := paths[parent]

		for _, ch := range children {
			if visited[ch.ID] {
				continue
			}
			visited[ch.ID] = true
			queue = append(queue, ch.ID)

			if parentKnown && ch.Name != "" {
				p := JoinKey(parentPath, Sanitize(ch.Name))
				d.resolver.Seed(ch.ID, p)
				paths[ch.ID] = p
				continue
			}
			p, err := d.resolver.Resolve(ctx, ch.ID, "", true)
			if err != nil {
				log.Warn("cannot resolve folder", logging.FolderID(ch.ID), zap.Error(err))
				continue
			}
			paths[ch.ID] = p
		}
	}

	metrics.SetFoldersDiscovered(len(paths))
	log.Info("folder structure discovered", zap.Int("folders", len(paths)))
	return paths, nil
}

// fromDocuments resolves each folder id seen on a document, falling back to
// the default folder when a walk fails.
func (d *Discoverer) fromDocuments(ctx context.Context, projectID int64) (map[int64]string, error) {
	log := logging.WithContext(ctx).With(logging.ProjectID(projectID))
	paths := make(map[int64]string)

	docs, err := d.docs.ListDocuments(ctx, projectID)
	if err != nil {
		log.Warn("document listing incomplete", zap.Int("documents", len(docs)), zap.Error(err))
	}
	for _, doc := range docs {
		if doc.FolderID == 0 {
			continue
		}
		if _, ok := paths[doc.FolderID]; ok {
			continue
		}
		if ctx.Err() != nil {
			return paths, ctx.Err()
		}
		p, _ := d.resolver.Resolve(ctx, doc.FolderID, DefaultFolder, false)
		paths[doc.FolderID] = p
	}

	metrics.SetFoldersDiscovered(len(paths))
	log.Info("folder structure derived from documents", zap.Int("folders", len(paths)))
	return paths, nil
}
