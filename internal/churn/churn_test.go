package churn

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"reposcope/internal/logging"
	"reposcope/internal/storage"
)

func newTestAggregator(t *testing.T) (*Aggregator, *storage.FileChurnStatRepository) {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewLogger(logging.Config{Format: logging.HumanFormat, Level: logging.ErrorLevel, Output: io.Discard})
	db, err := storage.Open(filepath.Join(dir, "reposcope.db"), storage.DefaultOptions(), logger)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := storage.NewFileChurnStatRepository(db)
	return NewAggregator(repo, logger), repo
}

func TestChurnRate_MatchesWorkedExample(t *testing.T) {
	// Spec worked example: 10 added, 3 deleted -> (10+3)*100/max(10,50) = 26.00
	got := ChurnRate(10, 3)
	if got != 26.00 {
		t.Errorf("ChurnRate(10, 3) = %v, want 26.00", got)
	}
}

func TestChurnRate_FloorsDenominatorAtFifty(t *testing.T) {
	got := ChurnRate(1, 0)
	want := float64(1) * 100 / 50
	if got != want {
		t.Errorf("ChurnRate(1, 0) = %v, want %v", got, want)
	}
}

func TestMondayOfISOWeek(t *testing.T) {
	// 2026-08-06 is a Thursday; the Monday of its ISO week is 2026-08-03.
	thu := time.Date(2026, 8, 6, 15, 30, 0, 0, time.UTC)
	got := mondayOfISOWeek(thu)
	want := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("mondayOfISOWeek(%v) = %v, want %v", thu, got, want)
	}
}

func TestAggregator_Fold_AccumulatesAcrossCalls(t *testing.T) {
	agg, repo := newTestAggregator(t)
	week := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

	err := agg.Fold(1, "repo", []DiffRecord{
		{FilePath: "main.go", AuthoredAt: week, Added: 10, Deleted: 3},
	})
	if err != nil {
		t.Fatalf("first Fold() error = %v", err)
	}

	err = agg.Fold(1, "repo", []DiffRecord{
		{FilePath: "main.go", AuthoredAt: week.Add(24 * time.Hour), Added: 5, Deleted: 1},
	})
	if err != nil {
		t.Fatalf("second Fold() error = %v", err)
	}

	bucket, err := repo.GetBucket(1, "repo", "main.go", time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetBucket() error = %v", err)
	}
	if bucket == nil {
		t.Fatal("expected bucket to exist")
	}
	if bucket.LinesAdded != 15 || bucket.LinesDeleted != 4 || bucket.CommitCount != 2 {
		t.Errorf("bucket = %+v, want LinesAdded=15 LinesDeleted=4 CommitCount=2", bucket)
	}
	if bucket.ChurnRate != ChurnRate(15, 4) {
		t.Errorf("ChurnRate = %v, want %v", bucket.ChurnRate, ChurnRate(15, 4))
	}
}

func TestAggregator_Fold_WithinSingleCallSumsByWeek(t *testing.T) {
	agg, repo := newTestAggregator(t)
	monday := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	wednesday := time.Date(2026, 8, 5, 9, 0, 0, 0, time.UTC)

	err := agg.Fold(1, "repo", []DiffRecord{
		{FilePath: "a.go", AuthoredAt: monday, Added: 4, Deleted: 0},
		{FilePath: "a.go", AuthoredAt: wednesday, Added: 6, Deleted: 2},
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}

	bucket, err := repo.GetBucket(1, "repo", "a.go", time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetBucket() error = %v", err)
	}
	if bucket == nil || bucket.LinesAdded != 10 || bucket.LinesDeleted != 2 || bucket.CommitCount != 2 {
		t.Fatalf("bucket = %+v, want one bucket summing both same-week records", bucket)
	}
}
