package webhook

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/models"
	"github.com/fvsync/fvsync/internal/syncer"
)

// Syncer performs the sync work an event resolves to. *syncer.Orchestrator
// implements it.
type Syncer interface {
	FullSync(ctx context.Context, projectID int64) (*models.SyncResult, error)
	UpsertOne(ctx context.Context, projectID, documentID int64) (*models.UpsertResult, error)
	DeleteOne(ctx context.Context, projectID, documentID int64) (*models.DeleteResult, error)
	IsSeeded(ctx context.Context, projectID int64) (bool, error)
}

// Prober checks whether a document still exists remotely. It must answer
// true whenever the answer is uncertain.
type Prober interface {
	DocumentExists(ctx context.Context, documentID int64) (bool, error)
}

// Scheduler queues a background full sync.
type Scheduler interface {
	Enqueue(ctx context.Context, projectID int64) error
}

// Response is a routed outcome ready to be written as JSON.
type Response struct {
	Status int
	Body   any
}

// Result statuses produced by the router itself.
const (
	StatusSkipped     = "skipped"
	StatusSeedQueued  = "initial_seed_queued"
	reasonNotAllowed  = "not_in_allowlist"
	seedQueuedMessage = "Project seed scheduled in background."
)

// Router dispatches events.
type Router struct {
	sync    Syncer
	prober  Prober
	sched   Scheduler
	allowed map[int64]bool
}

// NewRouter returns a Router. An empty allowed set admits every project.
func NewRouter(s Syncer, p Prober, sched Scheduler, allowed map[int64]bool) *Router {
	return &Router{sync: s, prober: p, sched: sched, allowed: allowed}
}

func ok(body any) Response { return Response{Status: http.StatusOK, Body: body} }

func failure(code int, msg string) Response {
	return Response{Status: code, Body: map[string]string{"error": msg}}
}

// reject answers 400 for an event missing a required id.
func reject(ctx context.Context, msg string) Response {
	logging.WithContext(ctx).Warn("event rejected", zap.Error(fmt.Errorf("%w: %s", ErrMissingField, msg)))
	return failure(http.StatusBadRequest, msg)
}

func failed(err error) Response {
	return failure(syncer.HTTPStatus(err), syncer.Message(err))
}

// Route decides what evt asks for and carries it out.
func (r *Router) Route(ctx context.Context, evt Event) Response {
	log := logging.WithContext(ctx)

	if evt.Background {
		if evt.ProjectID == 0 {
			return reject(ctx, "missing projectId")
		}
		metrics.RecordWebhookDecision("background")
		log.Info("background sync", logging.ProjectID(evt.ProjectID))
		return r.fullSync(ctx, evt.ProjectID)
	}

	if evt.ProjectID == 0 {
		metrics.RecordWebhookDecision("reject")
		return reject(ctx, "missing projectId")
	}
	log = log.With(logging.ProjectID(evt.ProjectID))

	if len(r.allowed) > 0 && !r.allowed[evt.ProjectID] {
		metrics.RecordWebhookDecision(StatusSkipped)
		log.Info("project not in allow-list")
		return ok(map[string]any{"status": StatusSkipped, "projectId": evt.ProjectID, "reason": reasonNotAllowed})
	}

	action, reason := Classify(evt.Hint, evt.DocumentID != 0)
	log.Info("routing event",
		zap.String("event_type", evt.Hint),
		logging.DocumentID(evt.DocumentID),
		zap.Stringer("action", action),
	)

	if action == ActionProbe {
		exists, err := r.prober.DocumentExists(ctx, evt.DocumentID)
		if err != nil {
			log.Warn("existence probe inconclusive, assuming document exists", zap.Error(err))
		}
		action = ActionDelete
		if exists {
			action = ActionUpsert
		}
		log.Info("probe resolved event", zap.Bool("exists", exists), zap.Stringer("action", action))
	}
	metrics.RecordWebhookDecision(action.String())

	switch action {
	case ActionReject:
		return reject(ctx, reason)
	case ActionDelete:
		res, err := r.sync.DeleteOne(ctx, evt.ProjectID, evt.DocumentID)
		if err != nil {
			log.Error("delete failed", zap.Error(err))
			return failed(err)
		}
		return ok(res)
	case ActionUpsert:
		if resp, queued := r.seedIfNeeded(ctx, evt.ProjectID); queued {
			return resp
		}
		res, err := r.sync.UpsertOne(ctx, evt.ProjectID, evt.DocumentID)
		if err != nil {
			log.Error("upsert failed", zap.Error(err))
			return failed(err)
		}
		return ok(res)
	default:
		log.Info("no document id, running project-wide refresh")
		return r.fullSync(ctx, evt.ProjectID)
	}
}

// seedIfNeeded queues the first full sync of a project that has nothing
// mirrored yet. A failed seed check lets the upsert proceed.
func (r *Router) seedIfNeeded(ctx context.Context, projectID int64) (Response, bool) {
	log := logging.WithContext(ctx).With(logging.ProjectID(projectID))
	seeded, err := r.sync.IsSeeded(ctx, projectID)
	if err != nil {
		log.Warn("seed check failed, proceeding with upsert", zap.Error(err))
		return Response{}, false
	}
	if seeded {
		return Response{}, false
	}

	metrics.RecordWebhookDecision("seed")
	log.Info("queueing initial seed")
	if err := r.sched.Enqueue(ctx, projectID); err != nil {
		log.Error("failed to queue background seed", zap.Error(err))
	}
	return ok(map[string]any{
		"status":    StatusSeedQueued,
		"projectId": projectID,
		"message":   seedQueuedMessage,
	}), true
}

func (r *Router) fullSync(ctx context.Context, projectID int64) Response {
	res, err := r.sync.FullSync(ctx, projectID)
	if err != nil {
		logging.WithContext(ctx).Error("project-wide sync failed", logging.ProjectID(projectID), zap.Error(err))
		return failure(http.StatusInternalServerError, "project-wide sync failed: "+err.Error())
	}
	return ok(res)
}
