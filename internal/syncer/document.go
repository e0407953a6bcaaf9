package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/filevine"
	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/mirror"
	"github.com/fvsync/fvsync/internal/models"
	"github.com/fvsync/fvsync/internal/tree"
	"github.com/fvsync/fvsync/pkg/retry"
)

// UpsertOne mirrors a single document. The folder path must resolve
// completely. A path that still cannot be resolved after the retry budget
// yields a 503 so the sender retries later.
func (o *Orchestrator) UpsertOne(ctx context.Context, projectID, documentID int64) (*models.UpsertResult, error) {
	log := logging.WithContext(ctx).With(logging.ProjectID(projectID), logging.DocumentID(documentID))
	_, prefix := o.ProjectPrefix(ctx, projectID)

	doc, err := o.api.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, filevine.ErrNotFound) {
			return nil, &StatusError{Code: http.StatusNotFound, Msg: fmt.Sprintf("Document %d not found", documentID), Err: err}
		}
		return nil, &StatusError{Code: http.StatusInternalServerError, Msg: "Internal server error", Err: err}
	}

	folderPath, err := o.resolveStrict(ctx, doc)
	if err != nil {
		log.Warn("folder path unresolved", logging.FolderID(doc.FolderID), zap.Error(err))
		return nil, &StatusError{Code: http.StatusServiceUnavailable, Msg: "Rate-limited resolving folder path; please retry", Err: err}
	}

	if err := o.store.EnsurePlaceholders(ctx, prefix, []string{folderPath}); err != nil {
		log.Warn("some folder placeholders could not be created", zap.Error(err))
	}

	link := o.api.ResolveLinks(ctx, []int64{documentID})[documentID]
	if link == "" {
		metrics.RecordDocument(outcomeFailed)
		return nil, &StatusError{Code: http.StatusBadGateway, Msg: fmt.Sprintf("No download link for document %d", documentID)}
	}

	content, err := o.api.FetchContent(ctx, link)
	if err != nil {
		metrics.RecordDocument(outcomeFailed)
		return nil, &StatusError{Code: http.StatusBadGateway, Msg: fmt.Sprintf("Failed to download document %d", documentID), Err: err}
	}

	key := mirror.DocumentKey(prefix, folderPath, doc.Filename)
	err = o.store.PutObject(ctx, key, content, doc.Filename, mirror.ObjectInfo{
		DocumentID: documentID,
		ProjectID:  projectID,
		FolderID:   doc.FolderID,
		FolderPath: folderPath,
	})
	if err != nil {
		metrics.RecordDocument(outcomeFailed)
		return nil, &StatusError{Code: http.StatusInternalServerError, Msg: "Failed to upload to S3", Err: err}
	}
	metrics.RecordDocument(outcomeUploaded)

	result := &models.UpsertResult{
		Status:     models.StatusUploaded,
		ProjectID:  projectID,
		DocumentID: documentID,
		Key:        key,
	}
	if o.opts.PruneStale {
		result.PrunedKeys = o.pruneStale(ctx, prefix, documentID, key)
	}
	return result, nil
}

func (o *Orchestrator) resolveStrict(ctx context.Context, doc models.Document) (string, error) {
	fallback := doc.FolderName
	if fallback == "" {
		fallback = tree.DefaultFolder
	}
	// Each attempt gets a fresh resolver so a partial walk is never reused.
	cfg := retry.Config{MaxAttempts: o.opts.ResolveAttempts, Policy: o.opts.Policy}
	return retry.DoWithResult(ctx, cfg, func() (string, error) {
		p, err := tree.NewResolver(o.api).Resolve(ctx, doc.FolderID, fallback, true)
		switch {
		case err == nil:
			return p, nil
		case ctx.Err() != nil, errors.Is(err, tree.ErrCycle), errors.Is(err, tree.ErrDepthExceeded):
			return "", err
		default:
			return "", retry.Retryable(err)
		}
	})
}

// pruneStale deletes copies of the document left under other keys by a
// move or rename.
func (o *Orchestrator) pruneStale(ctx context.Context, prefix string, documentID int64, keep string) []string {
	log := logging.WithContext(ctx).With(logging.DocumentID(documentID))
	keys, err := o.store.FindByDocumentID(ctx, prefix, documentID)
	if err != nil {
		log.Warn("stale copy lookup failed", zap.Error(err))
	}
	var pruned []string
	for _, k := range keys {
		if k == keep {
			continue
		}
		if err := o.store.DeleteObject(ctx, k); err != nil {
			log.Warn("stale copy not removed", logging.Key(k), zap.Error(err))
			continue
		}
		pruned = append(pruned, k)
	}
	return pruned
}

// DeleteOne removes every mirrored copy of a document. Finding nothing is
// not an error.
func (o *Orchestrator) DeleteOne(ctx context.Context, projectID, documentID int64) (*models.DeleteResult, error) {
	log := logging.WithContext(ctx).With(logging.ProjectID(projectID), logging.DocumentID(documentID))
	_, prefix := o.ProjectPrefix(ctx, projectID)

	keys, err := o.store.FindByDocumentID(ctx, prefix, documentID)
	if err != nil {
		return nil, &StatusError{Code: http.StatusInternalServerError, Msg: "Internal server error", Err: err}
	}

	result := &models.DeleteResult{ProjectID: projectID, DocumentID: documentID}
	if len(keys) == 0 {
		log.Info("no mirrored objects for deleted document")
		result.Status = models.StatusNotFound
		return result, nil
	}

	result.Status = models.StatusDeleted
	for _, k := range keys {
		if err := o.store.DeleteObject(ctx, k); err != nil {
			log.Error("delete failed", logging.Key(k), zap.Error(err))
			continue
		}
		result.DeletedKeys = append(result.DeletedKeys, k)
	}
	return result, nil
}
