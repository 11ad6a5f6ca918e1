package storage

import (
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"reposcope/internal/logging"
	"reposcope/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewLogger(logging.Config{Format: logging.HumanFormat, Level: logging.ErrorLevel, Output: io.Discard})

	db, err := Open(filepath.Join(dir, "reposcope.db"), DefaultOptions(), logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := newTestDB(t)

	var version int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		t.Fatalf("schema_version query error = %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestFileDependencyRepository_ReplaceAll(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileDependencyRepository(db)

	edges := []models.FileDependency{
		{UserID: 1, RepoURL: "repo", SourceFile: "a.go", TargetFile: "b.go"},
		{UserID: 1, RepoURL: "repo", SourceFile: "a.go", TargetFile: "c.go", Kind: "import"},
	}
	if err := repo.ReplaceAll(1, "repo", edges); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	got, err := repo.ListByRepo(1, "repo")
	if err != nil {
		t.Fatalf("ListByRepo() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}

	// A second replace must fully supersede the first set.
	if err := repo.ReplaceAll(1, "repo", []models.FileDependency{
		{UserID: 1, RepoURL: "repo", SourceFile: "a.go", TargetFile: "d.go"},
	}); err != nil {
		t.Fatalf("second ReplaceAll() error = %v", err)
	}
	got, err = repo.ListByRepo(1, "repo")
	if err != nil {
		t.Fatalf("ListByRepo() error = %v", err)
	}
	if len(got) != 1 || got[0].TargetFile != "d.go" {
		t.Fatalf("got = %+v, want single edge to d.go", got)
	}
}

func TestCommitSummaryRepository_InsertOnceOnly(t *testing.T) {
	db := newTestDB(t)
	repo := NewCommitSummaryRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	c := &models.CommitSummary{
		UserID: 1, RepoURL: "repo", CommitHash: "abc123",
		AuthorEmail: "dev@example.com", Message: "fix bug",
		CommittedAt: now, FilesChanged: 2, Insertions: 10, Deletions: 3, RecordedAt: now,
	}

	inserted, err := repo.InsertIfAbsent(c)
	if err != nil {
		t.Fatalf("InsertIfAbsent() error = %v", err)
	}
	if !inserted {
		t.Error("expected first InsertIfAbsent to insert")
	}

	inserted, err = repo.InsertIfAbsent(c)
	if err != nil {
		t.Fatalf("InsertIfAbsent() error = %v", err)
	}
	if inserted {
		t.Error("expected second InsertIfAbsent to be a no-op")
	}

	stored, err := repo.GetByHash(1, "repo", "abc123")
	if err != nil {
		t.Fatalf("GetByHash() error = %v", err)
	}
	if stored == nil || stored.Insertions != 10 {
		t.Fatalf("stored = %+v, want Insertions=10", stored)
	}
}

func TestFileChurnStatRepository_UpsertOverwritesBucket(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileChurnStatRepository(db)

	week := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC) // a Monday

	first := &models.FileChurnStat{
		UserID: 1, RepoURL: "repo", FilePath: "main.go", WeekStart: week,
		LinesAdded: 10, LinesDeleted: 3, CommitCount: 1,
	}
	first.ChurnRate = 26.00
	if err := repo.Upsert(first); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	second := &models.FileChurnStat{
		UserID: 1, RepoURL: "repo", FilePath: "main.go", WeekStart: week,
		LinesAdded: 20, LinesDeleted: 5, CommitCount: 2, ChurnRate: 50.0,
	}
	if err := repo.Upsert(second); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := repo.GetBucket(1, "repo", "main.go", week)
	if err != nil {
		t.Fatalf("GetBucket() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected bucket to exist")
	}
	if got.LinesAdded != 20 || got.LinesDeleted != 5 || got.CommitCount != 2 {
		t.Errorf("got = %+v, want the overwritten totals", got)
	}
}

func TestIndexDocumentRepository_ReplaceOccurrences(t *testing.T) {
	db := newTestDB(t)
	repo := NewIndexDocumentRepository(db)

	docID, err := repo.UpsertDocument(1, "repo", "src/main.go", "go", time.Now())
	if err != nil {
		t.Fatalf("UpsertDocument() error = %v", err)
	}

	occs := []models.Occurrence{
		{Symbol: "pkg.Foo", StartLine: 1, StartChar: 0, EndLine: 1, EndChar: 3, RoleFlags: models.RoleDefinition},
		{Symbol: "pkg.Bar", StartLine: 5, StartChar: 2, EndLine: 5, EndChar: 5, RoleFlags: models.RoleRead},
	}
	if err := repo.ReplaceOccurrences(docID, occs); err != nil {
		t.Fatalf("ReplaceOccurrences() error = %v", err)
	}

	hovered, err := repo.OccurrencesCoveringPosition(docID, 1, 1)
	if err != nil {
		t.Fatalf("OccurrencesCoveringPosition() error = %v", err)
	}
	if len(hovered) != 1 || hovered[0].Symbol != "pkg.Foo" {
		t.Fatalf("hovered = %+v, want pkg.Foo", hovered)
	}

	// replacing again must drop the stale set
	if err := repo.ReplaceOccurrences(docID, []models.Occurrence{
		{Symbol: "pkg.Baz", StartLine: 1, StartChar: 0, EndLine: 1, EndChar: 3},
	}); err != nil {
		t.Fatalf("second ReplaceOccurrences() error = %v", err)
	}
	hovered, err = repo.OccurrencesCoveringPosition(docID, 1, 1)
	if err != nil {
		t.Fatalf("OccurrencesCoveringPosition() error = %v", err)
	}
	if len(hovered) != 1 || hovered[0].Symbol != "pkg.Baz" {
		t.Fatalf("hovered = %+v, want pkg.Baz only", hovered)
	}
}

// TestIndexDocumentRepository_WithTxRollsBackOnFailure exercises the
// transaction boundary codeintel.Ingester.projectDocument relies on: a
// failure partway through a shared transaction must undo every write that
// preceded it, not just the write that failed.
func TestIndexDocumentRepository_WithTxRollsBackOnFailure(t *testing.T) {
	db := newTestDB(t)
	repo := NewIndexDocumentRepository(db)

	err := repo.WithTx(func(tx *sql.Tx) error {
		docID, err := repo.UpsertDocumentTx(tx, 1, "repo", "src/broken.go", "go", time.Now())
		if err != nil {
			t.Fatalf("UpsertDocumentTx() error = %v", err)
		}

		// A document_id that was never inserted violates the occurrences
		// table's foreign key, simulating a failure that strikes after the
		// document row is already written within the same transaction.
		return repo.ReplaceOccurrencesTx(tx, docID+999, []models.Occurrence{
			{Symbol: "pkg.Foo", StartLine: 1, StartChar: 0, EndLine: 1, EndChar: 3},
		})
	})
	if err == nil {
		t.Fatal("WithTx() error = nil, want foreign key violation")
	}

	docs, err := repo.ListByRepo(1, "repo")
	if err != nil {
		t.Fatalf("ListByRepo() error = %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("ListByRepo() = %+v, want no documents persisted after rollback", docs)
	}
}

func TestSymbolInfoRepository_UpsertOverwritesOnlyNonEmpty(t *testing.T) {
	db := newTestDB(t)
	repo := NewSymbolInfoRepository(db)

	if err := repo.Upsert(&models.SymbolInfo{
		UserID: 1, RepoURL: "repo", Symbol: "pkg.Foo",
		DisplayName: "Foo", Documentation: "first description",
	}); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}

	if err := repo.Upsert(&models.SymbolInfo{
		UserID: 1, RepoURL: "repo", Symbol: "pkg.Foo",
		SignatureDoc: "func Foo()",
	}); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := repo.GetBySymbol(1, "repo", "pkg.Foo")
	if err != nil {
		t.Fatalf("GetBySymbol() error = %v", err)
	}
	if got.DisplayName != "Foo" {
		t.Errorf("DisplayName = %q, want %q (should survive empty overwrite)", got.DisplayName, "Foo")
	}
	if got.SignatureDoc != "func Foo()" {
		t.Errorf("SignatureDoc = %q, want %q", got.SignatureDoc, "func Foo()")
	}
	if got.Documentation != "first description" {
		t.Errorf("Documentation = %q, want it preserved", got.Documentation)
	}
}
