// Package store persists batch run history in a SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run records one batch invocation.
type Run struct {
	ID         string
	Kind       string // process, images, rois, kymo
	BasePath   string
	Keywords   []string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Failed     int
	Success    bool
	SummaryCSV string
}

// RunDocument records the outcome for a single document within a run.
type RunDocument struct {
	ID             string
	RunID          string
	Path           string
	Name           string
	MatchedKeyword string
	Status         string // processed, failed
	Error          string
	RowCount       int
}

// KeywordStat aggregates run outcomes per matched keyword.
type KeywordStat struct {
	Keyword   string
	Documents int
	Failures  int
}

// Store manages the run history database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore creates or opens the run history store.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open run history database: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize run history schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		base_path TEXT NOT NULL,
		keywords_json TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		summary_csv TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);

	CREATE TABLE IF NOT EXISTS run_documents (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		matched_keyword TEXT,
		status TEXT NOT NULL,
		error TEXT,
		row_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_run_documents_run ON run_documents(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_documents_keyword ON run_documents(matched_keyword);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordRun stores a run and its per-document outcomes. A missing run
// ID is generated; document IDs are always generated.
func (s *Store) RecordRun(run *Run, docs []RunDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	keywordsJSON, _ := json.Marshal(run.Keywords)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin run transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, kind, base_path, keywords_json, started_at,
			finished_at, processed, failed, success, summary_csv)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, run.BasePath, keywordsJSON, run.StartedAt,
		run.FinishedAt, run.Processed, run.Failed, boolToInt(run.Success), run.SummaryCSV)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	for i := range docs {
		doc := &docs[i]
		doc.ID = uuid.NewString()
		doc.RunID = run.ID
		_, err = tx.Exec(`
			INSERT INTO run_documents (id, run_id, path, name, matched_keyword,
				status, error, row_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, doc.ID, doc.RunID, doc.Path, doc.Name, doc.MatchedKeyword,
			doc.Status, doc.Error, doc.RowCount)
		if err != nil {
			return fmt.Errorf("record run document %s: %w", doc.Name, err)
		}
	}

	return tx.Commit()
}

// RecentRuns retrieves the most recent runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, base_path, keywords_json, started_at, finished_at,
			processed, failed, success, summary_csv
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var keywordsJSON, summaryCSV sql.NullString
		var success int
		if err := rows.Scan(&run.ID, &run.Kind, &run.BasePath, &keywordsJSON,
			&run.StartedAt, &run.FinishedAt, &run.Processed, &run.Failed,
			&success, &summaryCSV); err != nil {
			return nil, err
		}
		run.Success = success != 0
		run.SummaryCSV = summaryCSV.String
		if keywordsJSON.Valid {
			json.Unmarshal([]byte(keywordsJSON.String), &run.Keywords)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunDocuments retrieves the per-document outcomes of a run.
func (s *Store) RunDocuments(runID string) ([]RunDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, path, name, matched_keyword, status, error, row_count
		FROM run_documents
		WHERE run_id = ?
		ORDER BY name
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []RunDocument
	for rows.Next() {
		var doc RunDocument
		var keyword, errMsg sql.NullString
		if err := rows.Scan(&doc.ID, &doc.RunID, &doc.Path, &doc.Name,
			&keyword, &doc.Status, &errMsg, &doc.RowCount); err != nil {
			return nil, err
		}
		doc.MatchedKeyword = keyword.String
		doc.Error = errMsg.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// KeywordStats aggregates document outcomes per matched keyword across
// all recorded runs.
func (s *Store) KeywordStats() ([]KeywordStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT matched_keyword, COUNT(*),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM run_documents
		WHERE matched_keyword IS NOT NULL AND matched_keyword != ''
		GROUP BY matched_keyword
		ORDER BY matched_keyword
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []KeywordStat
	for rows.Next() {
		var stat KeywordStat
		if err := rows.Scan(&stat.Keyword, &stat.Documents, &stat.Failures); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
