package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for studies, documents, and runs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "tessera.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for packages that manage their own
// tables on the same database, such as the vector index.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Studies ---

// EnsureStudy creates the study if it does not exist and returns it.
func (s *Store) EnsureStudy(name string) (Study, error) {
	_, err := s.db.Exec(`
		INSERT INTO studies (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Study{}, err
	}
	return s.GetStudy(name)
}

func (s *Store) GetStudy(name string) (Study, error) {
	var st Study
	var createdAt string
	err := s.db.QueryRow(`SELECT name, created_at FROM studies WHERE name = ?`, name).
		Scan(&st.Name, &createdAt)
	if err == sql.ErrNoRows {
		return Study{}, ErrNotFound
	}
	if err != nil {
		return Study{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Study{}, fmt.Errorf("parsing created_at: %w", err)
	}
	st.CreatedAt = t
	return st, nil
}

func (s *Store) ListStudies() ([]Study, error) {
	rows, err := s.db.Query(`SELECT name, created_at FROM studies ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Study
	for rows.Next() {
		var st Study
		var createdAt string
		if err := rows.Scan(&st.Name, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		st.CreatedAt = t
		results = append(results, st)
	}
	return results, rows.Err()
}

// DeleteStudy removes the study along with its documents, vectors, and runs.
func (s *Store) DeleteStudy(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM studies WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	for _, table := range []string{"chunk_vectors", "documents", "runs"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE study = ?`, name); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// --- Documents ---

// SaveDocument inserts the document. A row that already exists for the same
// study and id is left untouched; documents are immutable once chunked.
func (s *Store) SaveDocument(d Document) error {
	_, err := s.db.Exec(`
		INSERT INTO documents (id, study, source, title, authors, year, abstract, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(study, id) DO NOTHING`,
		d.ID, d.Study, d.Source, d.Title, d.Authors, d.Year, d.Abstract, d.Text,
		d.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(study, id string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, study, source, title, authors, year, abstract, content, created_at
		FROM documents WHERE study = ? AND id = ?`, study, id,
	).Scan(&d.ID, &d.Study, &d.Source, &d.Title, &d.Authors, &d.Year, &d.Abstract, &d.Text, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}

// ListDocuments returns the study's documents in ingestion order.
func (s *Store) ListDocuments(study string) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, study, source, title, authors, year, abstract, content, created_at
		FROM documents WHERE study = ? ORDER BY created_at ASC, id ASC`, study,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Study, &d.Source, &d.Title, &d.Authors, &d.Year, &d.Abstract, &d.Text, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// DeleteDocument removes a document and its chunk vectors.
func (s *Store) DeleteDocument(study, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM documents WHERE study = ? AND id = ?`, study, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM chunk_vectors WHERE study = ? AND document_id = ?`, study, id); err != nil {
		return fmt.Errorf("deleting chunk vectors: %w", err)
	}

	return tx.Commit()
}

func (s *Store) CountDocuments(study string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE study = ?`, study).Scan(&n)
	return n, err
}

// --- Runs ---

func (s *Store) SaveRun(r Run) error {
	status := r.Status
	if status == "" {
		status = "completed"
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, study, variables, documents, cells, failed, status, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Study, r.Variables, r.Documents, r.Cells, r.Failed, status,
		r.StartedAt.UTC().Format(time.RFC3339), r.DurationMs,
	)
	return err
}

func (s *Store) GetRun(id string) (Run, error) {
	var r Run
	var startedAt string
	err := s.db.QueryRow(`
		SELECT id, study, variables, documents, cells, failed, status, started_at, duration_ms
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Study, &r.Variables, &r.Documents, &r.Cells, &r.Failed, &r.Status, &startedAt, &r.DurationMs)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	r.StartedAt = t
	return r, nil
}

// LastRun returns a study's most recent run, or ErrNotFound when the study
// has never been extracted.
func (s *Store) LastRun(study string) (Run, error) {
	var r Run
	var startedAt string
	err := s.db.QueryRow(`
		SELECT id, study, variables, documents, cells, failed, status, started_at, duration_ms
		FROM runs WHERE study = ? ORDER BY started_at DESC, id DESC LIMIT 1`, study,
	).Scan(&r.ID, &r.Study, &r.Variables, &r.Documents, &r.Cells, &r.Failed, &r.Status, &startedAt, &r.DurationMs)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	r.StartedAt = t
	return r, nil
}

func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, study, variables, documents, cells, failed, status, started_at, duration_ms
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		var startedAt string
		if err := rows.Scan(&r.ID, &r.Study, &r.Variables, &r.Documents, &r.Cells, &r.Failed, &r.Status, &startedAt, &r.DurationMs); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		r.StartedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}
