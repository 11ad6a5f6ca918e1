package storage

import (
	"database/sql"
	"fmt"
)

// Schema version tracking.
const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database.
func (db *DB) initializeSchema() error {
	return db.WithTx(func(tx *sql.Tx) error {
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}
		if err := createJobsTable(tx); err != nil {
			return err
		}
		if err := createFileDependenciesTable(tx); err != nil {
			return err
		}
		if err := createCommitSummariesTable(tx); err != nil {
			return err
		}
		if err := createFileChurnStatsTable(tx); err != nil {
			return err
		}
		if err := createIndexDocumentsTable(tx); err != nil {
			return err
		}
		if err := createOccurrencesTable(tx); err != nil {
			return err
		}
		if err := createSymbolInfosTable(tx); err != nil {
			return err
		}

		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", map[string]interface{}{
			"version": currentSchemaVersion,
		})

		return nil
	})
}

// runMigrations runs any pending schema migrations.
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", map[string]interface{}{
			"version": version,
		})
		return nil
	}

	db.logger.Info("Running database migrations", map[string]interface{}{
		"from_version": version,
		"to_version":   currentSchemaVersion,
	})

	// Add migration functions here as schema evolves.

	return nil
}

// getSchemaVersion gets the current schema version.
func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion sets the schema version.
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("DELETE FROM schema_version")
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createSchemaVersionTable creates the schema_version tracking table.
func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createJobsTable creates the jobs table backing the Job Store and Worker
// Pool. The (status, created_at) index is required for claim performance
// (oldest-pending-first, skip rows already leased).
func createJobsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			repo_url TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('scip_index', 'graph_build', 'git_mine')),
			status TEXT NOT NULL CHECK(status IN ('pending', 'processing', 'done', 'failed')),
			payload_path TEXT,
			payload TEXT,
			error_msg TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_jobs_user_repo ON jobs(user_id, repo_url)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create jobs index: %w", err)
		}
	}

	return nil
}

// createFileDependenciesTable creates the file_dependencies table. Rows for
// a given (user_id, repo_url) are fully replaced on every graph_build run.
func createFileDependenciesTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS file_dependencies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			repo_url TEXT NOT NULL,
			source_file TEXT NOT NULL,
			target_file TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'import'
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create file_dependencies table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_file_deps_user_repo ON file_dependencies(user_id, repo_url)",
		"CREATE INDEX IF NOT EXISTS idx_file_deps_source ON file_dependencies(user_id, repo_url, source_file)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create file_dependencies index: %w", err)
		}
	}

	return nil
}

// createCommitSummariesTable creates the commit_summaries table. A row is
// inserted once per commit-per-repo-per-user and never updated.
func createCommitSummariesTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS commit_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			repo_url TEXT NOT NULL,
			commit_hash TEXT NOT NULL,
			author_email TEXT NOT NULL,
			message TEXT NOT NULL,
			committed_at TEXT NOT NULL,
			files_changed INTEGER NOT NULL,
			insertions INTEGER NOT NULL,
			deletions INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,

			UNIQUE(user_id, repo_url, commit_hash)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create commit_summaries table: %w", err)
	}

	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_commit_summaries_user_repo ON commit_summaries(user_id, repo_url)"); err != nil {
		return fmt.Errorf("failed to create commit_summaries index: %w", err)
	}

	return nil
}

// createFileChurnStatsTable creates the file_churn_stats table. Rows are
// upserted additively by the Churn Aggregator; I4 requires at least one
// changed line per persisted row.
func createFileChurnStatsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS file_churn_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			repo_url TEXT NOT NULL,
			file_path TEXT NOT NULL,
			week_start TEXT NOT NULL,
			lines_added INTEGER NOT NULL,
			lines_deleted INTEGER NOT NULL,
			commit_count INTEGER NOT NULL,
			churn_rate REAL NOT NULL,

			UNIQUE(user_id, repo_url, file_path, week_start),
			CHECK(lines_added + lines_deleted >= 1)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create file_churn_stats table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_churn_user_repo ON file_churn_stats(user_id, repo_url)",
		"CREATE INDEX IF NOT EXISTS idx_churn_rate ON file_churn_stats(user_id, repo_url, churn_rate)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create file_churn_stats index: %w", err)
		}
	}

	return nil
}

// createIndexDocumentsTable creates the index_documents table. Upserted per
// ingest; children (occurrences) are deleted and reinserted wholesale.
func createIndexDocumentsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS index_documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			repo_url TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			language TEXT NOT NULL,
			indexed_at TEXT NOT NULL,

			UNIQUE(user_id, repo_url, relative_path)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index_documents table: %w", err)
	}

	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_index_documents_user_repo ON index_documents(user_id, repo_url)"); err != nil {
		return fmt.Errorf("failed to create index_documents index: %w", err)
	}

	return nil
}

// createOccurrencesTable creates the occurrences table, children of
// index_documents, replaced wholesale with their parent document.
func createOccurrencesTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS occurrences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			start_char INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			end_char INTEGER NOT NULL,
			role_flags INTEGER NOT NULL DEFAULT 0,

			FOREIGN KEY (document_id) REFERENCES index_documents(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create occurrences table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_occurrences_document_id ON occurrences(document_id)",
		"CREATE INDEX IF NOT EXISTS idx_occurrences_symbol ON occurrences(symbol)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create occurrences index: %w", err)
		}
	}

	return nil
}

// createSymbolInfosTable creates the symbol_infos table. Upserted per
// ingest; fields are overwritten only when the incoming value is non-empty.
func createSymbolInfosTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS symbol_infos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			repo_url TEXT NOT NULL,
			symbol TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			signature_doc TEXT NOT NULL DEFAULT '',
			documentation TEXT NOT NULL DEFAULT '',

			UNIQUE(user_id, repo_url, symbol)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create symbol_infos table: %w", err)
	}

	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_symbol_infos_user_repo ON symbol_infos(user_id, repo_url)"); err != nil {
		return fmt.Errorf("failed to create symbol_infos index: %w", err)
	}

	return nil
}
