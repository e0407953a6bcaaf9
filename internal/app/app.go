// Package app assembles the sync engine from configuration. Both the
// webhook server and the CLI start here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/config"
	"github.com/fvsync/fvsync/internal/filevine"
	"github.com/fvsync/fvsync/internal/jobs"
	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/mirror"
	"github.com/fvsync/fvsync/internal/syncer"
	"github.com/fvsync/fvsync/pkg/retry"
)

// App holds the long-lived clients.
type App struct {
	Config *config.Config
	Remote *filevine.Client
	Writer *mirror.Writer
}

// New builds the remote client and the bucket writer.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	remote, err := newRemote(ctx, cfg.Filevine)
	if err != nil {
		return nil, err
	}

	mcfg := mirror.Config{
		Bucket:      cfg.S3.Bucket,
		Region:      cfg.S3.Region,
		Endpoint:    cfg.S3.Endpoint,
		AccessKey:   cfg.S3.AccessKey,
		SecretKey:   cfg.S3.SecretKey,
		PublicRead:  cfg.S3.PublicRead,
		Concurrency: cfg.Sync.Concurrency,
	}
	s3Client, err := mirror.NewClient(ctx, mcfg)
	if err != nil {
		return nil, err
	}

	logging.Info("engine configured",
		zap.String("api", cfg.Filevine.BaseURL),
		zap.String("bucket", cfg.S3.Bucket),
		zap.String("prefix", cfg.S3.Prefix),
	)
	return &App{
		Config: cfg,
		Remote: remote,
		Writer: mirror.NewWriter(s3Client, mcfg),
	}, nil
}

// newRemote uses the client-credentials grant when a client id is
// configured and a static token otherwise.
func newRemote(ctx context.Context, fc config.FilevineConfig) (*filevine.Client, error) {
	ident := filevine.Credentials{
		AccessToken: fc.AccessToken,
		OrgID:       fc.OrgID,
		UserID:      fc.UserID,
	}

	var (
		headers   http.Header
		refresher filevine.Refresher
	)
	if fc.ClientID != "" {
		oauth := filevine.NewOAuthRefresher(fc.ClientID, fc.ClientSecret, fc.TokenURL, fc.Scopes, ident)
		h, err := oauth.InitialHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("initial credentials: %w", err)
		}
		headers, refresher = h, oauth
	} else {
		headers = ident.Headers()
	}

	return filevine.New(filevine.Config{
		BaseURL:   fc.BaseURL,
		Headers:   headers,
		Refresher: refresher,
		Policy: retry.Policy{
			Base:   fc.BackoffBase,
			Cap:    fc.BackoffCap,
			Jitter: fc.BackoffJitter,
		},
		MaxRetries:      fc.MaxRetries,
		PageLimit:       fc.PageLimit,
		DocPageLimit:    fc.DocPageLimit,
		PageDelay:       100 * time.Millisecond,
		MetadataTimeout: fc.MetadataTimeout,
		ContentTimeout:  fc.ContentTimeout,
	}), nil
}

// Orchestrator returns a sync orchestrator. progress may be nil.
func (a *App) Orchestrator(progress func(done, total int)) (*syncer.Orchestrator, error) {
	fc := a.Config.Filevine
	return syncer.New(a.Remote, a.Writer, syncer.Options{
		Prefix:          a.Config.S3.Prefix,
		Concurrency:     a.Config.Sync.Concurrency,
		ExcludeGlobs:    a.Config.Sync.ExcludeGlobs,
		PruneStale:      a.Config.Sync.PruneStale,
		ResolveAttempts: fc.MaxRetries + 1,
		Policy:          retry.Policy{Base: fc.BackoffBase, Cap: fc.BackoffCap, Jitter: fc.BackoffJitter},
		Progress:        progress,
	})
}

// Scheduler returns the durable queue when a database is configured and
// the in-memory pool otherwise. The returned close func releases the
// database handle.
func (a *App) Scheduler(ctx context.Context, run jobs.RunFunc) (jobs.Scheduler, func(), error) {
	workers := a.Config.Sync.Workers
	if a.Config.Server.DatabaseURL == "" {
		logging.Info("using in-memory sync queue")
		return jobs.NewPool(run, workers, 100), func() {}, nil
	}

	db, err := jobs.Open(ctx, a.Config.Server.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := jobs.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	logging.Info("using postgres sync queue")
	return jobs.NewQueue(db, run, workers, 5*time.Second), closer(db), nil
}

func closer(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			logging.Warn("closing database", zap.Error(err))
		}
	}
}
