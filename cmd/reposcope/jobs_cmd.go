package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"reposcope/internal/jobs"
	"reposcope/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Enqueue, inspect, and run analysis jobs",
}

var enqueueDays int
var enqueuePayloadPath string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <git_mine|graph_build|scip_index> <repoUrl>",
	Short: "Enqueue a pending job for a repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := models.JobKind(args[0])
		repoURL := args[1]

		switch kind {
		case models.JobKindGitMine, models.JobKindGraphBuild, models.JobKindScipIndex:
		default:
			return fmt.Errorf("unknown job kind %q", kind)
		}

		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		var payload *string
		var payloadPath *string

		switch kind {
		case models.JobKindGitMine:
			p, err := jobs.EncodePayload(jobs.GitMinePayload{Days: enqueueDays})
			if err != nil {
				return err
			}
			payload = p
		case models.JobKindScipIndex:
			if enqueuePayloadPath == "" {
				return fmt.Errorf("scip_index jobs require --index-path pointing at the uploaded binary")
			}
			spooled, err := spoolUpload(enqueuePayloadPath, cfg.Jobs.SpoolDir)
			if err != nil {
				return fmt.Errorf("failed to spool uploaded index: %w", err)
			}
			payloadPath = &spooled
		}

		id, err := e.jobStore.Enqueue(userIDFlag, repoURL, kind, payload, payloadPath)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued job %d (%s) for %s\n", id, kind, repoURL)
		return nil
	},
}

var listStatusFlag string

var jobsListCmd = &cobra.Command{
	Use:   "list <repoUrl>",
	Short: "List jobs for a repository, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		opts := jobs.ListJobsOptions{UserID: userIDFlag, RepoURL: args[0]}
		if listStatusFlag != "" {
			opts.Status = []models.JobStatus{models.JobStatus(listStatusFlag)}
		}

		rows, err := e.jobStore.ListJobs(opts)
		if err != nil {
			return err
		}
		for _, j := range rows {
			errMsg := ""
			if j.ErrorMsg != nil {
				errMsg = " error=" + *j.ErrorMsg
			}
			fmt.Printf("#%d %s %s created=%s%s\n", j.ID, j.Kind, j.Status, j.CreatedAt.Format(time.RFC3339), errMsg)
		}
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <jobId>",
	Short: "Show a single job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}

		job, err := e.jobStore.GetJob(id)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %d not found", id)
		}
		fmt.Printf("#%d %s %s repo=%s created=%s\n", job.ID, job.Kind, job.Status, job.RepoURL, job.CreatedAt.Format(time.RFC3339))
		if job.ErrorMsg != nil {
			fmt.Printf("error: %s\n", *job.ErrorMsg)
		}
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngines()
		if err != nil {
			return err
		}
		defer e.close()

		pool := jobs.NewPool(e.jobStore, logger, jobs.PoolConfig{
			WorkerCount:    cfg.Jobs.WorkerCount,
			PollInterval:   time.Duration(cfg.Jobs.PollIntervalMs) * time.Millisecond,
			StaleThreshold: time.Duration(cfg.Jobs.StaleThresholdMin) * time.Minute,
		})
		registerHandlers(pool, e)

		if err := pool.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info("Shutting down worker pool", nil)
		return pool.Stop(time.Duration(cfg.Server.ShutdownTimeoutMs) * time.Millisecond)
	},
}

// spoolUpload copies an uploaded binary index into the configured spool
// directory under a uuid-suffixed name, so a retry or a concurrent enqueue
// for the same repo never collides on the original upload's filename, and
// the original file can be removed by the caller without disturbing the
// job's persisted payload.
func spoolUpload(srcPath, spoolDir string) (string, error) {
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dstPath := filepath.Join(spoolDir, fmt.Sprintf("scip-%s.bin", uuid.New().String()))
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dstPath)
		return "", err
	}
	return dstPath, nil
}

func init() {
	enqueueCmd.Flags().IntVar(&enqueueDays, "days", 0, "git_mine lookback window in days (default from config)")
	enqueueCmd.Flags().StringVar(&enqueuePayloadPath, "index-path", "", "scip_index: path to the uploaded binary index (gzip-compressed or raw, auto-detected)")
	jobsListCmd.Flags().StringVar(&listStatusFlag, "status", "", "filter by status: pending, processing, done, failed")

	jobsCmd.AddCommand(enqueueCmd, jobsListCmd, jobsGetCmd, workerCmd)
	rootCmd.AddCommand(jobsCmd)
}
