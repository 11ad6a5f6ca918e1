package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"reposcope/internal/models"
)

// FileDependencyRepository provides CRUD operations for file_dependencies,
// the edge set built by the Import Dependency Extractor.
type FileDependencyRepository struct {
	db *DB
}

// NewFileDependencyRepository creates a new file dependency repository.
func NewFileDependencyRepository(db *DB) *FileDependencyRepository {
	return &FileDependencyRepository{db: db}
}

// ReplaceAll atomically replaces the edge set for (userID, repoURL): delete
// all existing rows, then bulk-insert edges, in a single transaction.
func (r *FileDependencyRepository) ReplaceAll(userID int64, repoURL string, edges []models.FileDependency) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM file_dependencies WHERE user_id = ? AND repo_url = ?`, userID, repoURL); err != nil {
			return fmt.Errorf("failed to clear file dependencies: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO file_dependencies (user_id, repo_url, source_file, target_file, kind)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare file dependency insert: %w", err)
		}
		defer stmt.Close()

		for _, edge := range edges {
			kind := edge.Kind
			if kind == "" {
				kind = "import"
			}
			if _, err := stmt.Exec(userID, repoURL, edge.SourceFile, edge.TargetFile, kind); err != nil {
				return fmt.Errorf("failed to insert file dependency: %w", err)
			}
		}

		return nil
	})
}

// ListByRepo returns all edges for (userID, repoURL).
func (r *FileDependencyRepository) ListByRepo(userID int64, repoURL string) ([]models.FileDependency, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, repo_url, source_file, target_file, kind
		FROM file_dependencies
		WHERE user_id = ? AND repo_url = ?
	`, userID, repoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list file dependencies: %w", err)
	}
	defer rows.Close()

	var edges []models.FileDependency
	for rows.Next() {
		var e models.FileDependency
		if err := rows.Scan(&e.ID, &e.UserID, &e.RepoURL, &e.SourceFile, &e.TargetFile, &e.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan file dependency: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// OutgoingFrom returns edges sourced at sourceFile, used by the Query
// Facade's graph BFS.
func (r *FileDependencyRepository) OutgoingFrom(userID int64, repoURL, sourceFile string) ([]models.FileDependency, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, repo_url, source_file, target_file, kind
		FROM file_dependencies
		WHERE user_id = ? AND repo_url = ? AND source_file = ?
	`, userID, repoURL, sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to list outgoing file dependencies: %w", err)
	}
	defer rows.Close()

	var edges []models.FileDependency
	for rows.Next() {
		var e models.FileDependency
		if err := rows.Scan(&e.ID, &e.UserID, &e.RepoURL, &e.SourceFile, &e.TargetFile, &e.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan file dependency: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CommitSummaryRepository provides CRUD operations for commit_summaries.
type CommitSummaryRepository struct {
	db *DB
}

// NewCommitSummaryRepository creates a new commit summary repository.
func NewCommitSummaryRepository(db *DB) *CommitSummaryRepository {
	return &CommitSummaryRepository{db: db}
}

// InsertIfAbsent inserts the commit exactly once per (userID, repoURL,
// commitHash); returns inserted=false without error when the row already
// exists, matching the "insert once, never update" lifecycle.
func (r *CommitSummaryRepository) InsertIfAbsent(c *models.CommitSummary) (inserted bool, err error) {
	existing, err := r.GetByHash(c.UserID, c.RepoURL, c.CommitHash)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	_, err = r.db.Exec(`
		INSERT INTO commit_summaries (
			user_id, repo_url, commit_hash, author_email, message, committed_at,
			files_changed, insertions, deletions, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.UserID, c.RepoURL, c.CommitHash, c.AuthorEmail, c.Message,
		c.CommittedAt.UTC().Format(time.RFC3339),
		c.FilesChanged, c.Insertions, c.Deletions,
		c.RecordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		// A unique-constraint race from a concurrent git_mine run is not an
		// error: the other run already recorded this commit.
		if isUniqueConstraintErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert commit summary: %w", err)
	}
	return true, nil
}

// GetByHash looks up a commit summary by its unique key.
func (r *CommitSummaryRepository) GetByHash(userID int64, repoURL, commitHash string) (*models.CommitSummary, error) {
	var c models.CommitSummary
	var committedAt, recordedAt string

	err := r.db.QueryRow(`
		SELECT id, user_id, repo_url, commit_hash, author_email, message, committed_at,
		       files_changed, insertions, deletions, recorded_at
		FROM commit_summaries
		WHERE user_id = ? AND repo_url = ? AND commit_hash = ?
	`, userID, repoURL, commitHash).Scan(
		&c.ID, &c.UserID, &c.RepoURL, &c.CommitHash, &c.AuthorEmail, &c.Message, &committedAt,
		&c.FilesChanged, &c.Insertions, &c.Deletions, &recordedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit summary: %w", err)
	}

	if c.CommittedAt, err = time.Parse(time.RFC3339, committedAt); err != nil {
		return nil, fmt.Errorf("invalid committed_at format: %w", err)
	}
	if c.RecordedAt, err = time.Parse(time.RFC3339, recordedAt); err != nil {
		return nil, fmt.Errorf("invalid recorded_at format: %w", err)
	}

	return &c, nil
}

// ListByRepo returns commit summaries for (userID, repoURL), most recent
// first.
func (r *CommitSummaryRepository) ListByRepo(userID int64, repoURL string, limit int) ([]models.CommitSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, user_id, repo_url, commit_hash, author_email, message, committed_at,
		       files_changed, insertions, deletions, recorded_at
		FROM commit_summaries
		WHERE user_id = ? AND repo_url = ?
		ORDER BY committed_at DESC
		LIMIT ?
	`, userID, repoURL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commit summaries: %w", err)
	}
	defer rows.Close()

	var out []models.CommitSummary
	for rows.Next() {
		var c models.CommitSummary
		var committedAt, recordedAt string
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.RepoURL, &c.CommitHash, &c.AuthorEmail, &c.Message, &committedAt,
			&c.FilesChanged, &c.Insertions, &c.Deletions, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan commit summary: %w", err)
		}
		if c.CommittedAt, err = time.Parse(time.RFC3339, committedAt); err != nil {
			return nil, fmt.Errorf("invalid committed_at format: %w", err)
		}
		if c.RecordedAt, err = time.Parse(time.RFC3339, recordedAt); err != nil {
			return nil, fmt.Errorf("invalid recorded_at format: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FileChurnStatRepository provides CRUD operations for file_churn_stats.
type FileChurnStatRepository struct {
	db *DB
}

// NewFileChurnStatRepository creates a new file churn stat repository.
func NewFileChurnStatRepository(db *DB) *FileChurnStatRepository {
	return &FileChurnStatRepository{db: db}
}

// GetBucket returns the stored bucket for (userID, repoURL, filePath,
// weekStart), or nil if no row exists yet.
func (r *FileChurnStatRepository) GetBucket(userID int64, repoURL, filePath string, weekStart time.Time) (*models.FileChurnStat, error) {
	var s models.FileChurnStat
	var week string

	err := r.db.QueryRow(`
		SELECT id, user_id, repo_url, file_path, week_start, lines_added, lines_deleted, commit_count, churn_rate
		FROM file_churn_stats
		WHERE user_id = ? AND repo_url = ? AND file_path = ? AND week_start = ?
	`, userID, repoURL, filePath, weekStart.UTC().Format("2006-01-02")).Scan(
		&s.ID, &s.UserID, &s.RepoURL, &s.FilePath, &week, &s.LinesAdded, &s.LinesDeleted, &s.CommitCount, &s.ChurnRate,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get churn bucket: %w", err)
	}
	if s.WeekStart, err = time.Parse("2006-01-02", week); err != nil {
		return nil, fmt.Errorf("invalid week_start format: %w", err)
	}
	return &s, nil
}

// Upsert writes back a bucket's accumulated totals, atomically per bucket.
func (r *FileChurnStatRepository) Upsert(s *models.FileChurnStat) error {
	_, err := r.db.Exec(`
		INSERT INTO file_churn_stats (user_id, repo_url, file_path, week_start, lines_added, lines_deleted, commit_count, churn_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, repo_url, file_path, week_start) DO UPDATE SET
			lines_added = excluded.lines_added,
			lines_deleted = excluded.lines_deleted,
			commit_count = excluded.commit_count,
			churn_rate = excluded.churn_rate
	`,
		s.UserID, s.RepoURL, s.FilePath, s.WeekStart.UTC().Format("2006-01-02"),
		s.LinesAdded, s.LinesDeleted, s.CommitCount, s.ChurnRate,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert churn bucket: %w", err)
	}
	return nil
}

// Hotspots returns rows in the window with churnRate > threshold, for the
// Query Facade's hotspot ranking.
func (r *FileChurnStatRepository) Hotspots(userID int64, repoURL string, since time.Time, threshold float64) ([]models.FileChurnStat, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, repo_url, file_path, week_start, lines_added, lines_deleted, commit_count, churn_rate
		FROM file_churn_stats
		WHERE user_id = ? AND repo_url = ? AND week_start >= ? AND churn_rate > ?
		ORDER BY file_path, week_start
	`, userID, repoURL, since.UTC().Format("2006-01-02"), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query hotspots: %w", err)
	}
	defer rows.Close()

	return scanChurnRows(rows)
}

// FileTrend returns weekly rows for filePath within the window, ordered by
// weekStart ascending, for the Query Facade's file-trend operation.
func (r *FileChurnStatRepository) FileTrend(userID int64, repoURL, filePath string, since time.Time) ([]models.FileChurnStat, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, repo_url, file_path, week_start, lines_added, lines_deleted, commit_count, churn_rate
		FROM file_churn_stats
		WHERE user_id = ? AND repo_url = ? AND file_path = ? AND week_start >= ?
		ORDER BY week_start ASC
	`, userID, repoURL, filePath, since.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query file trend: %w", err)
	}
	defer rows.Close()

	return scanChurnRows(rows)
}

func scanChurnRows(rows *sql.Rows) ([]models.FileChurnStat, error) {
	var out []models.FileChurnStat
	for rows.Next() {
		var s models.FileChurnStat
		var week string
		if err := rows.Scan(&s.ID, &s.UserID, &s.RepoURL, &s.FilePath, &week, &s.LinesAdded, &s.LinesDeleted, &s.CommitCount, &s.ChurnRate); err != nil {
			return nil, fmt.Errorf("failed to scan churn row: %w", err)
		}
		weekStart, err := time.Parse("2006-01-02", week)
		if err != nil {
			return nil, fmt.Errorf("invalid week_start format: %w", err)
		}
		s.WeekStart = weekStart
		out = append(out, s)
	}
	return out, rows.Err()
}

// IndexDocumentRepository provides CRUD operations for index_documents and
// their child occurrences.
type IndexDocumentRepository struct {
	db *DB
}

// NewIndexDocumentRepository creates a new index document repository.
func NewIndexDocumentRepository(db *DB) *IndexDocumentRepository {
	return &IndexDocumentRepository{db: db}
}

// UpsertDocument inserts or updates the document's language, and returns its
// row id. Children are not touched here; see ReplaceOccurrences.
func (r *IndexDocumentRepository) UpsertDocument(userID int64, repoURL, relativePath, language string, indexedAt time.Time) (int64, error) {
	var id int64
	err := r.db.WithTx(func(tx *sql.Tx) error {
		docID, err := r.UpsertDocumentTx(tx, userID, repoURL, relativePath, language, indexedAt)
		if err != nil {
			return err
		}
		id = docID
		return nil
	})
	return id, err
}

// WithTx runs fn against a single transaction on the document repository's
// database. Exposed so callers that must project a document and its
// occurrences and symbols atomically (see codeintel.Ingester.projectDocument)
// can share one transaction across repositories.
func (r *IndexDocumentRepository) WithTx(fn func(tx *sql.Tx) error) error {
	return r.db.WithTx(fn)
}

// UpsertDocumentTx is UpsertDocument scoped to an existing transaction.
func (r *IndexDocumentRepository) UpsertDocumentTx(tx *sql.Tx, userID int64, repoURL, relativePath, language string, indexedAt time.Time) (int64, error) {
	_, err := tx.Exec(`
		INSERT INTO index_documents (user_id, repo_url, relative_path, language, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, repo_url, relative_path) DO UPDATE SET
			language = excluded.language,
			indexed_at = excluded.indexed_at
	`, userID, repoURL, relativePath, language, indexedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert index document: %w", err)
	}

	var id int64
	err = tx.QueryRow(`
		SELECT id FROM index_documents WHERE user_id = ? AND repo_url = ? AND relative_path = ?
	`, userID, repoURL, relativePath).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read back index document id: %w", err)
	}
	return id, nil
}

// ListByRepo returns every indexed document for (userID, repoURL).
func (r *IndexDocumentRepository) ListByRepo(userID int64, repoURL string) ([]models.IndexDocument, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, repo_url, relative_path, language, indexed_at
		FROM index_documents WHERE user_id = ? AND repo_url = ?
		ORDER BY relative_path ASC
	`, userID, repoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list index documents: %w", err)
	}
	defer rows.Close()

	var docs []models.IndexDocument
	for rows.Next() {
		var d models.IndexDocument
		var indexedAt string
		if err := rows.Scan(&d.ID, &d.UserID, &d.RepoURL, &d.RelativePath, &d.Language, &indexedAt); err != nil {
			return nil, fmt.Errorf("failed to scan index document: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, indexedAt); err == nil {
			d.IndexedAt = t
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ReplaceOccurrences deletes existing occurrences for documentID and
// bulk-inserts the new set, in one transaction.
func (r *IndexDocumentRepository) ReplaceOccurrences(documentID int64, occurrences []models.Occurrence) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		return r.ReplaceOccurrencesTx(tx, documentID, occurrences)
	})
}

// ReplaceOccurrencesTx is ReplaceOccurrences scoped to an existing
// transaction.
func (r *IndexDocumentRepository) ReplaceOccurrencesTx(tx *sql.Tx, documentID int64, occurrences []models.Occurrence) error {
	if _, err := tx.Exec(`DELETE FROM occurrences WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to clear occurrences: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO occurrences (document_id, symbol, start_line, start_char, end_line, end_char, role_flags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare occurrence insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range occurrences {
		if _, err := stmt.Exec(documentID, o.Symbol, o.StartLine, o.StartChar, o.EndLine, o.EndChar, o.RoleFlags); err != nil {
			return fmt.Errorf("failed to insert occurrence: %w", err)
		}
	}
	return nil
}

// OccurrencesCoveringPosition returns occurrences in documentID whose range
// covers (line, character), for the Query Facade's hover operation.
func (r *IndexDocumentRepository) OccurrencesCoveringPosition(documentID int64, line, character int) ([]models.Occurrence, error) {
	rows, err := r.db.Query(`
		SELECT id, document_id, symbol, start_line, start_char, end_line, end_char, role_flags
		FROM occurrences
		WHERE document_id = ?
		  AND start_line <= ? AND end_line >= ?
	`, documentID, line, line)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var out []models.Occurrence
	for rows.Next() {
		var o models.Occurrence
		if err := rows.Scan(&o.ID, &o.DocumentID, &o.Symbol, &o.StartLine, &o.StartChar, &o.EndLine, &o.EndChar, &o.RoleFlags); err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		// exact character-bound check on boundary lines
		if o.StartLine == line && o.StartChar > character {
			continue
		}
		if o.EndLine == line && o.EndChar < character {
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OccurrencesBySymbol returns all occurrences of symbol across all documents
// for (userID, repoURL), joined to their document's relative path, ordered
// by (filePath, startLine).
func (r *IndexDocumentRepository) OccurrencesBySymbol(userID int64, repoURL, symbol string) ([]OccurrenceWithPath, error) {
	rows, err := r.db.Query(`
		SELECT o.id, o.document_id, o.symbol, o.start_line, o.start_char, o.end_line, o.end_char, o.role_flags, d.relative_path
		FROM occurrences o
		JOIN index_documents d ON d.id = o.document_id
		WHERE d.user_id = ? AND d.repo_url = ? AND o.symbol = ?
		ORDER BY d.relative_path ASC, o.start_line ASC
	`, userID, repoURL, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences by symbol: %w", err)
	}
	defer rows.Close()

	var out []OccurrenceWithPath
	for rows.Next() {
		var ow OccurrenceWithPath
		if err := rows.Scan(
			&ow.Occurrence.ID, &ow.Occurrence.DocumentID, &ow.Occurrence.Symbol,
			&ow.Occurrence.StartLine, &ow.Occurrence.StartChar, &ow.Occurrence.EndLine, &ow.Occurrence.EndChar,
			&ow.Occurrence.RoleFlags, &ow.RelativePath,
		); err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		out = append(out, ow)
	}
	return out, rows.Err()
}

// OccurrenceWithPath is an Occurrence joined to its document's relative path.
type OccurrenceWithPath struct {
	Occurrence   models.Occurrence
	RelativePath string
}

// SymbolInfoRepository provides CRUD operations for symbol_infos.
type SymbolInfoRepository struct {
	db *DB
}

// NewSymbolInfoRepository creates a new symbol info repository.
func NewSymbolInfoRepository(db *DB) *SymbolInfoRepository {
	return &SymbolInfoRepository{db: db}
}

// Upsert writes s, overwriting each text field only when the incoming value
// is non-empty, so a later sparse ingest never blanks out prior detail.
func (r *SymbolInfoRepository) Upsert(s *models.SymbolInfo) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		return r.UpsertTx(tx, s)
	})
}

// UpsertTx is Upsert scoped to an existing transaction.
func (r *SymbolInfoRepository) UpsertTx(tx *sql.Tx, s *models.SymbolInfo) error {
	existing, err := r.getBySymbolTx(tx, s.UserID, s.RepoURL, s.Symbol)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err := tx.Exec(`
			INSERT INTO symbol_infos (user_id, repo_url, symbol, display_name, signature_doc, documentation)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.UserID, s.RepoURL, s.Symbol, s.DisplayName, s.SignatureDoc, s.Documentation)
		if err != nil {
			return fmt.Errorf("failed to insert symbol info: %w", err)
		}
		return nil
	}

	if s.DisplayName != "" {
		existing.DisplayName = s.DisplayName
	}
	if s.SignatureDoc != "" {
		existing.SignatureDoc = s.SignatureDoc
	}
	if s.Documentation != "" {
		existing.Documentation = s.Documentation
	}

	_, err = tx.Exec(`
		UPDATE symbol_infos SET display_name = ?, signature_doc = ?, documentation = ?
		WHERE id = ?
	`, existing.DisplayName, existing.SignatureDoc, existing.Documentation, existing.ID)
	if err != nil {
		return fmt.Errorf("failed to update symbol info: %w", err)
	}
	return nil
}

// GetBySymbol looks up a symbol info row by its unique key.
func (r *SymbolInfoRepository) GetBySymbol(userID int64, repoURL, symbol string) (*models.SymbolInfo, error) {
	return r.getBySymbolTx(r.db.conn, userID, repoURL, symbol)
}

// symbolQuerier is satisfied by both *sql.DB and *sql.Tx, letting
// getBySymbolTx run either standalone or inside an existing transaction.
type symbolQuerier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (r *SymbolInfoRepository) getBySymbolTx(q symbolQuerier, userID int64, repoURL, symbol string) (*models.SymbolInfo, error) {
	var s models.SymbolInfo
	err := q.QueryRow(`
		SELECT id, user_id, repo_url, symbol, display_name, signature_doc, documentation
		FROM symbol_infos
		WHERE user_id = ? AND repo_url = ? AND symbol = ?
	`, userID, repoURL, symbol).Scan(&s.ID, &s.UserID, &s.RepoURL, &s.Symbol, &s.DisplayName, &s.SignatureDoc, &s.Documentation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol info: %w", err)
	}
	return &s, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// formatTimePtr formats a nullable time.Time for SQL storage.
func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
