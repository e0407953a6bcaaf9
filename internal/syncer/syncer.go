// Package syncer mirrors a project's documents into the bucket, either in
// full or one document at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/mirror"
	"github.com/fvsync/fvsync/internal/models"
	"github.com/fvsync/fvsync/internal/tree"
	"github.com/fvsync/fvsync/pkg/retry"
)

// RemoteAPI is everything the orchestrator reads from the remote side.
// *filevine.Client implements it.
type RemoteAPI interface {
	tree.FolderLister
	tree.DocumentLister
	GetProject(ctx context.Context, projectID int64) (models.Project, error)
	GetDocument(ctx context.Context, documentID int64) (models.Document, error)
	ResolveLinks(ctx context.Context, documentIDs []int64) map[int64]string
	FetchContent(ctx context.Context, link string) ([]byte, error)
}

// Store is the bucket side. *mirror.Writer implements it.
type Store interface {
	EnsurePlaceholders(ctx context.Context, prefix string, paths []string) error
	PutObject(ctx context.Context, key string, content []byte, filename string, info mirror.ObjectInfo) error
	FindByDocumentID(ctx context.Context, prefix string, documentID int64) ([]string, error)
	DeleteObject(ctx context.Context, key string) error
	HasObjects(ctx context.Context, prefix string) (bool, error)
}

// StatusError is a failure that maps onto an HTTP status for callers that
// answer webhooks.
type StatusError struct {
	Code int
	Msg  string
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code carried by err, or 500.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusInternalServerError
}

// Message returns the client-facing message carried by err.
func Message(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Msg
	}
	return "Internal server error"
}

// Options tunes an Orchestrator.
type Options struct {
	// Prefix is prepended to every project folder in the bucket.
	Prefix string
	// Concurrency bounds parallel content transfers.
	Concurrency int
	// ExcludeGlobs skip documents whose "<folder path>/<filename>" matches.
	ExcludeGlobs []string
	// PruneStale removes other copies of a document after an upsert.
	PruneStale bool
	// ResolveAttempts bounds strict folder resolution during an upsert.
	ResolveAttempts int
	Policy          retry.Policy
	// Progress, when set, is called after each document of a full sync.
	// It may be called from several goroutines at once.
	Progress func(done, total int)
}

// Orchestrator runs full and single-document syncs.
type Orchestrator struct {
	api   RemoteAPI
	store Store
	opts  Options
}

// New validates opts and returns an Orchestrator.
func New(api RemoteAPI, store Store, opts Options) (*Orchestrator, error) {
	for _, g := range opts.ExcludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid exclude pattern %q", g)
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.ResolveAttempts <= 0 {
		opts.ResolveAttempts = 6
	}
	if opts.Policy == (retry.Policy{}) {
		opts.Policy = retry.DefaultPolicy()
	}
	return &Orchestrator{api: api, store: store, opts: opts}, nil
}

// ProjectPrefix resolves the project's display name and returns it with
// the bucket prefix its objects live under.
func (o *Orchestrator) ProjectPrefix(ctx context.Context, projectID int64) (string, string) {
	name := o.projectName(ctx, projectID)
	return name, mirror.ProjectPrefix(o.opts.Prefix, name)
}

func (o *Orchestrator) projectName(ctx context.Context, projectID int64) string {
	p, err := o.api.GetProject(ctx, projectID)
	if err != nil || p.Name == "" {
		logging.WithContext(ctx).Warn("project name unavailable, using placeholder name",
			logging.ProjectID(projectID), logging.Err(err))
		return fmt.Sprintf("Project_%d", projectID)
	}
	return p.Name
}

// IsSeeded reports whether anything of the project has been mirrored yet.
func (o *Orchestrator) IsSeeded(ctx context.Context, projectID int64) (bool, error) {
	_, prefix := o.ProjectPrefix(ctx, projectID)
	return o.store.HasObjects(ctx, prefix)
}

func (o *Orchestrator) excluded(rel string) bool {
	for _, g := range o.opts.ExcludeGlobs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
