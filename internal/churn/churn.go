// Package churn implements the Churn Aggregator: it folds per-file
// commit diff records into weekly buckets and upserts FileChurnStat rows.
package churn

import (
	"fmt"
	"math"
	"time"

	"reposcope/internal/logging"
	"reposcope/internal/models"
	"reposcope/internal/storage"
)

// DiffRecord is one file's line-change delta from a single mined commit.
type DiffRecord struct {
	FilePath   string
	AuthoredAt time.Time
	Added      int
	Deleted    int
}

// Aggregator folds DiffRecords into FileChurnStat buckets.
type Aggregator struct {
	repo   *storage.FileChurnStatRepository
	logger *logging.Logger
}

// NewAggregator wires the aggregator to its persistence layer.
func NewAggregator(repo *storage.FileChurnStatRepository, logger *logging.Logger) *Aggregator {
	return &Aggregator{repo: repo, logger: logger}
}

type bucketKey struct {
	filePath  string
	weekStart time.Time
}

type bucketTotals struct {
	added       int
	deleted     int
	commitCount int
}

// Fold buckets records by (filePath, Monday-of-ISO-week) and additively
// upserts each bucket. The accumulation is commutative, so callers may feed
// it commits in any order; concurrent aggregations for the same
// (userID, repoURL) are serialized upstream by the Worker Pool's single
// in-flight claim per job row.
func (a *Aggregator) Fold(userID int64, repoURL string, records []DiffRecord) error {
	buckets := make(map[bucketKey]*bucketTotals)
	for _, r := range records {
		key := bucketKey{filePath: r.FilePath, weekStart: mondayOfISOWeek(r.AuthoredAt)}
		b, ok := buckets[key]
		if !ok {
			b = &bucketTotals{}
			buckets[key] = b
		}
		b.added += r.Added
		b.deleted += r.Deleted
		b.commitCount++
	}

	for key, totals := range buckets {
		if err := a.upsertBucket(userID, repoURL, key, totals); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) upsertBucket(userID int64, repoURL string, key bucketKey, totals *bucketTotals) error {
	existing, err := a.repo.GetBucket(userID, repoURL, key.filePath, key.weekStart)
	if err != nil {
		return fmt.Errorf("failed to read existing churn bucket: %w", err)
	}

	linesAdded := totals.added
	linesDeleted := totals.deleted
	commitCount := totals.commitCount
	if existing != nil {
		linesAdded += existing.LinesAdded
		linesDeleted += existing.LinesDeleted
		commitCount += existing.CommitCount
	}

	stat := &models.FileChurnStat{
		UserID:       userID,
		RepoURL:      repoURL,
		FilePath:     key.filePath,
		WeekStart:    key.weekStart,
		LinesAdded:   linesAdded,
		LinesDeleted: linesDeleted,
		CommitCount:  commitCount,
		ChurnRate:    ChurnRate(linesAdded, linesDeleted),
	}

	if err := a.repo.Upsert(stat); err != nil {
		return fmt.Errorf("failed to upsert churn bucket: %w", err)
	}
	return nil
}

// ChurnRate implements the documented heuristic: linesAdded is a proxy for
// file size, and the floor of 50 prevents divide-by-tiny blow-ups for new
// files.
func ChurnRate(linesAdded, linesDeleted int) float64 {
	denominator := float64(linesAdded)
	if denominator < 50 {
		denominator = 50
	}
	rate := float64(linesAdded+linesDeleted) * 100 / denominator
	return math.Round(rate*100) / 100
}

// mondayOfISOWeek returns UTC midnight on the Monday of t's ISO week.
func mondayOfISOWeek(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 { // Sunday
		weekday = 7
	}
	monday := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}
