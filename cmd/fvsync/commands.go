package main

import (
	"fmt"
	"sort"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fvsync/fvsync/internal/config"
	"github.com/fvsync/fvsync/internal/jobs"
	"github.com/fvsync/fvsync/internal/models"
)

func syncCmd() *cobra.Command {
	var projectID int64
	var noProgress bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror a whole project, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}

			var progress func(done, total int)
			if !noProgress && output == "text" {
				progress = newProgress(cmd)
			}
			orch, err := a.Orchestrator(progress)
			if err != nil {
				return err
			}

			res, err := orch.FullSync(ctx, projectID)
			if err != nil {
				return fmt.Errorf("sync interrupted: %w", err)
			}
			return render(cmd.OutOrStdout(), res, func() []string {
				return []string{
					fmt.Sprintf("Project %d (%s)", res.ProjectID, res.ProjectName),
					fmt.Sprintf("  documents: %d", res.DocumentCount),
					fmt.Sprintf("  uploaded:  %d", res.UploadedCount),
					fmt.Sprintf("  failed:    %d", res.FailedCount),
					fmt.Sprintf("  skipped:   %d", res.SkippedCount),
				}
			})
		},
	}
	cmd.Flags().Int64VarP(&projectID, "project", "p", 0, "Filevine project id")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	cmd.MarkFlagRequired("project")
	return cmd
}

// newProgress returns a callback that drives a progress bar. The bar is
// created on the first call, once the document total is known.
func newProgress(cmd *cobra.Command) func(done, total int) {
	var (
		once sync.Once
		bar  *progressbar.ProgressBar
	)
	return func(done, total int) {
		once.Do(func() {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetDescription("Mirroring documents"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionClearOnFinish(),
			)
		})
		bar.Set(done)
	}
}

type treeOutput struct {
	ProjectID   int64    `json:"projectId" yaml:"projectId"`
	ProjectName string   `json:"projectName" yaml:"projectName"`
	Folders     []string `json:"folders" yaml:"folders"`
}

func treeCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print a project's folder paths without writing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			orch, err := a.Orchestrator(nil)
			if err != nil {
				return err
			}

			name, folders, err := orch.Tree(ctx, projectID)
			if err != nil {
				return fmt.Errorf("folder discovery failed: %w", err)
			}
			out := treeOutput{ProjectID: projectID, ProjectName: name, Folders: make([]string, 0, len(folders))}
			for _, p := range folders {
				out.Folders = append(out.Folders, p)
			}
			sort.Strings(out.Folders)

			return render(cmd.OutOrStdout(), out, func() []string {
				lines := []string{name + "/"}
				for _, p := range out.Folders {
					lines = append(lines, "  "+p+"/")
				}
				return lines
			})
		},
	}
	cmd.Flags().Int64VarP(&projectID, "project", "p", 0, "Filevine project id")
	cmd.MarkFlagRequired("project")
	return cmd
}

func upsertCmd() *cobra.Command {
	var projectID, documentID int64
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Mirror a single document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			orch, err := a.Orchestrator(nil)
			if err != nil {
				return err
			}

			res, err := orch.UpsertOne(ctx, projectID, documentID)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), res, func() []string {
				lines := []string{fmt.Sprintf("%s %s", res.Status, res.Key)}
				for _, k := range res.PrunedKeys {
					lines = append(lines, "pruned "+k)
				}
				return lines
			})
		},
	}
	documentFlags(cmd, &projectID, &documentID)
	return cmd
}

func deleteCmd() *cobra.Command {
	var projectID, documentID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a document's mirrored copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			orch, err := a.Orchestrator(nil)
			if err != nil {
				return err
			}

			res, err := orch.DeleteOne(ctx, projectID, documentID)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), res, func() []string {
				return deleteLines(res)
			})
		},
	}
	documentFlags(cmd, &projectID, &documentID)
	return cmd
}

func deleteLines(res *models.DeleteResult) []string {
	if res.Status == models.StatusNotFound {
		return []string{fmt.Sprintf("document %d has no mirrored copy", res.DocumentID)}
	}
	lines := make([]string, 0, len(res.DeletedKeys))
	for _, k := range res.DeletedKeys {
		lines = append(lines, "deleted "+k)
	}
	return lines
}

func documentFlags(cmd *cobra.Command, projectID, documentID *int64) {
	cmd.Flags().Int64VarP(projectID, "project", "p", 0, "Filevine project id")
	cmd.Flags().Int64VarP(documentID, "document", "d", 0, "Filevine document id")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("document")
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the sync queue tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Server.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			db, err := jobs.Open(ctx, cfg.Server.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := jobs.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
