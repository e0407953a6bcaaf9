package syncer

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/mirror"
	"github.com/fvsync/fvsync/internal/models"
	"github.com/fvsync/fvsync/internal/tree"
)

// Document outcomes, also used as metric labels.
const (
	outcomeUploaded = "uploaded"
	outcomeFailed   = "failed"
	outcomeSkipped  = "skipped"
)

// Tree discovers the project's folder structure without touching the
// bucket.
func (o *Orchestrator) Tree(ctx context.Context, projectID int64) (string, map[int64]string, error) {
	name := o.projectName(ctx, projectID)
	resolver := tree.NewResolver(o.api)
	folders, err := tree.NewDiscoverer(o.api, o.api, resolver).Discover(ctx, projectID)
	return name, folders, err
}

// FullSync mirrors every document of a project. Individual document
// failures are counted, never fatal; the returned summary is always
// non-nil. The error is non-nil only when ctx ends the run early.
func (o *Orchestrator) FullSync(ctx context.Context, projectID int64) (*models.SyncResult, error) {
	start := time.Now()
	log := logging.WithContext(ctx).With(logging.ProjectID(projectID))

	name, prefix := o.ProjectPrefix(ctx, projectID)
	result := &models.SyncResult{
		Status:      models.StatusSuccess,
		ProjectID:   projectID,
		ProjectName: name,
	}
	log.Info("full sync started", zap.String("prefix", prefix))

	resolver := tree.NewResolver(o.api)
	discoverer := tree.NewDiscoverer(o.api, o.api, resolver)

	var (
		folders map[int64]string
		docs    []models.Document
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		folders, err = discoverer.Discover(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		docs, err = o.api.ListDocuments(gctx, projectID)
		if err != nil {
			log.Warn("document listing incomplete", zap.Int("documents", len(docs)), zap.Error(err))
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		metrics.RecordSyncRun(time.Since(start), false)
		return result, err
	}

	// Assign every document a path, preferring the discovered tree.
	pending := make([]models.Document, 0, len(docs))
	placeholderPaths := map[string]bool{tree.DefaultFolder: true}
	for _, p := range folders {
		placeholderPaths[p] = true
	}
	for _, doc := range docs {
		doc.FolderPath = o.documentPath(ctx, resolver, folders, doc)
		placeholderPaths[doc.FolderPath] = true

		if o.excluded(tree.JoinKey(doc.FolderPath, doc.Filename)) {
			result.SkippedCount++
			metrics.RecordDocument(outcomeSkipped)
			log.Debug("document excluded", logging.DocumentID(doc.ID), zap.String("path", doc.FolderPath))
			continue
		}
		pending = append(pending, doc)
	}
	result.DocumentCount = len(docs)

	paths := make([]string, 0, len(placeholderPaths))
	for p := range placeholderPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := o.store.EnsurePlaceholders(ctx, prefix, paths); err != nil {
		log.Warn("some folder placeholders could not be created", zap.Error(err))
	}

	ids := make([]int64, len(pending))
	for i, d := range pending {
		ids[i] = d.ID
	}
	links := o.api.ResolveLinks(ctx, ids)

	var uploaded, failed, done atomic.Int64
	total := len(pending)
	tg, tctx := errgroup.WithContext(ctx)
	tg.SetLimit(o.opts.Concurrency)
	for _, doc := range pending {
		tg.Go(func() error {
			if o.transfer(tctx, projectID, prefix, doc, links[doc.ID]) {
				uploaded.Add(1)
			} else {
				failed.Add(1)
			}
			n := done.Add(1)
			if o.opts.Progress != nil {
				o.opts.Progress(int(n), total)
			}
			return nil
		})
	}
	_ = tg.Wait()

	result.UploadedCount = int(uploaded.Load())
	result.FailedCount = int(failed.Load())
	metrics.RecordSyncRun(time.Since(start), ctx.Err() == nil)

	log.Info("full sync complete",
		zap.String("project", name),
		zap.Int("documents", result.DocumentCount),
		zap.Int("uploaded", result.UploadedCount),
		zap.Int("failed", result.FailedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Duration("duration", time.Since(start)),
	)
	return result, ctx.Err()
}

// documentPath picks the discovered path of the document's folder, then a
// non-strict walk, then the folder name the listing reported.
func (o *Orchestrator) documentPath(ctx context.Context, resolver *tree.Resolver, folders map[int64]string, doc models.Document) string {
	if p, ok := folders[doc.FolderID]; ok && doc.FolderID != 0 {
		return p
	}
	fallback := doc.FolderName
	if fallback == "" {
		fallback = tree.DefaultFolder
	}
	p, _ := resolver.Resolve(ctx, doc.FolderID, fallback, false)
	return p
}

// transfer downloads one document and writes it. It reports success.
func (o *Orchestrator) transfer(ctx context.Context, projectID int64, prefix string, doc models.Document, link string) bool {
	log := logging.WithContext(ctx).With(logging.DocumentID(doc.ID))
	if link == "" {
		log.Warn("no download link")
		metrics.RecordDocument(outcomeFailed)
		return false
	}

	content, err := o.api.FetchContent(ctx, link)
	if err != nil {
		log.Error("download failed", zap.Error(err))
		metrics.RecordDocument(outcomeFailed)
		return false
	}

	key := mirror.DocumentKey(prefix, doc.FolderPath, doc.Filename)
	err = o.store.PutObject(ctx, key, content, doc.Filename, mirror.ObjectInfo{
		DocumentID: doc.ID,
		ProjectID:  projectID,
		FolderID:   doc.FolderID,
		FolderPath: doc.FolderPath,
	})
	if err != nil {
		metrics.RecordDocument(outcomeFailed)
		return false
	}
	metrics.RecordDocument(outcomeUploaded)
	return true
}
