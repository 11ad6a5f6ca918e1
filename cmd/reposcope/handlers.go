package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"reposcope/internal/jobs"
	"reposcope/internal/models"

	"github.com/klauspost/compress/gzip"
)

func gitMineHandler(e *engines) jobs.Handler {
	return func(ctx context.Context, job *models.Job) error {
		payload := jobs.ParseGitMinePayload(job.Payload, cfg.History.DefaultWindowDays)
		return e.miner.Mine(ctx, job.UserID, job.RepoURL, payload.Days)
	}
}

func graphBuildHandler(e *engines) jobs.Handler {
	return func(ctx context.Context, job *models.Job) error {
		return e.extractor.Extract(ctx, job.UserID, job.RepoURL)
	}
}

func scipIndexHandler(e *engines) jobs.Handler {
	return func(ctx context.Context, job *models.Job) error {
		if job.PayloadPath == nil {
			return fmt.Errorf("scip_index job %d has no uploaded index", job.ID)
		}
		raw, err := os.ReadFile(*job.PayloadPath)
		if err != nil {
			return fmt.Errorf("failed to read uploaded index: %w", err)
		}

		if isGzip(raw) {
			raw, err = decompressGzip(raw)
			if err != nil {
				return fmt.Errorf("failed to decompress uploaded index: %w", err)
			}
		}

		ingested, failed, err := e.ingester.Ingest(job.UserID, job.RepoURL, raw)
		if err != nil {
			return err
		}
		logger.Info("Ingested code-intelligence index", map[string]interface{}{
			"jobId":    job.ID,
			"ingested": ingested,
			"failed":   failed,
		})

		if err := os.Remove(*job.PayloadPath); err != nil {
			logger.Warn("Failed to remove spooled payload after successful ingest", map[string]interface{}{
				"jobId": job.ID,
				"error": err.Error(),
			})
		}
		return nil
	}
}

// isGzip reports whether raw begins with the gzip magic bytes. Uploaded
// binary index blobs of this size are routinely gzip-compressed by
// reposcope's own clients, so the ingester sniffs for it rather than
// requiring the caller to say so out of band.
func isGzip(raw []byte) bool {
	return len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b
}

func decompressGzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
