package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/changegate/changegate/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewULID generates a new ULID string. ULIDs sort lexicographically by
// creation time, which gives check-run history its most-recent-first
// ordering without a separate timestamp key.
func NewULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalJSON encodes v, falling back to an empty JSON array on error so
// a bad list field never blocks a write.
func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// --- Approval records ---

const approvalColumns = `change_id, status, requested_by, requested_at, reviewers, approvals, rejections, history, created_at, updated_at`

func (s *SQLiteStore) GetApproval(ctx context.Context, changeID string) (*models.ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE change_id = ?`, changeID)
	rec, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval record %s: %w", changeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return rec, nil
}

// PutApproval writes the full record, inserting or overwriting the row
// for its change ID. Last write wins.
func (s *SQLiteStore) PutApproval(ctx context.Context, rec *models.ApprovalRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	var requestedAt any
	if rec.RequestedAt != nil {
		requestedAt = *rec.RequestedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id) DO UPDATE SET
			status=excluded.status, requested_by=excluded.requested_by,
			requested_at=excluded.requested_at, reviewers=excluded.reviewers,
			approvals=excluded.approvals, rejections=excluded.rejections,
			history=excluded.history, updated_at=excluded.updated_at`,
		rec.ChangeID, string(rec.Status), rec.RequestedBy, requestedAt,
		marshalJSON(rec.Reviewers), marshalJSON(rec.Approvals),
		marshalJSON(rec.Rejections), marshalJSON(rec.History),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteApproval(ctx context.Context, changeID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM approvals WHERE change_id = ?", changeID)
	if err != nil {
		return fmt.Errorf("delete approval: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("approval record %s: %w", changeID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context) ([]*models.ApprovalRecord, error) {
	return s.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals ORDER BY updated_at DESC`)
}

func (s *SQLiteStore) ListApprovalsByStatus(ctx context.Context, status models.ApprovalStatus) ([]*models.ApprovalRecord, error) {
	return s.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY updated_at DESC`,
		string(status))
}

func (s *SQLiteStore) queryApprovals(ctx context.Context, query string, args ...any) ([]*models.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*models.ApprovalRecord, error) {
	rec := &models.ApprovalRecord{}
	var status string
	var requestedAt sql.NullTime
	var reviewers, approvals, rejections, history string

	err := row.Scan(&rec.ChangeID, &status, &rec.RequestedBy, &requestedAt,
		&reviewers, &approvals, &rejections, &history,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = models.ApprovalStatus(status)
	if requestedAt.Valid {
		rec.RequestedAt = &requestedAt.Time
	}
	_ = json.Unmarshal([]byte(reviewers), &rec.Reviewers)
	_ = json.Unmarshal([]byte(approvals), &rec.Approvals)
	_ = json.Unmarshal([]byte(rejections), &rec.Rejections)
	_ = json.Unmarshal([]byte(history), &rec.History)
	return rec, nil
}

// --- Review comments ---

const reviewColumns = `id, target_type, target_id, line_number, type, severity, body, author, suggested_change, status, created_at, resolved_at, resolved_by, replies`

func (s *SQLiteStore) CreateReview(ctx context.Context, c *models.ReviewComment) error {
	if c.ID == "" {
		c.ID = NewULID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = models.ReviewOpen
	}

	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = *c.ResolvedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.TargetType), c.TargetID, c.LineNumber,
		string(c.Type), string(c.Severity), c.Body, c.Author,
		c.SuggestedChange, string(c.Status), c.CreatedAt,
		resolvedAt, c.ResolvedBy, marshalJSON(c.Replies),
	)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReview(ctx context.Context, targetType models.TargetType, targetID, reviewID string) (*models.ReviewComment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE id = ? AND target_type = ? AND target_id = ?`,
		reviewID, string(targetType), targetID)
	c, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review %s: %w", reviewID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListReviews(ctx context.Context, targetType models.TargetType, targetID string, filter ReviewListFilter) ([]*models.ReviewComment, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE target_type = ? AND target_id = ?`
	args := []any{string(targetType), targetID}

	var conditions []string
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}
	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []*models.ReviewComment
	for rows.Next() {
		c, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *SQLiteStore) UpdateReview(ctx context.Context, c *models.ReviewComment) error {
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = *c.ResolvedAt
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET status=?, resolved_at=?, resolved_by=?, replies=? WHERE id=?`,
		string(c.Status), resolvedAt, c.ResolvedBy, marshalJSON(c.Replies), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update review: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("review %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func scanReview(row rowScanner) (*models.ReviewComment, error) {
	c := &models.ReviewComment{}
	var targetType, reviewType, severity, status string
	var resolvedAt sql.NullTime
	var replies string

	err := row.Scan(&c.ID, &targetType, &c.TargetID, &c.LineNumber,
		&reviewType, &severity, &c.Body, &c.Author,
		&c.SuggestedChange, &status, &c.CreatedAt,
		&resolvedAt, &c.ResolvedBy, &replies)
	if err != nil {
		return nil, err
	}

	c.TargetType = models.TargetType(targetType)
	c.Type = models.ReviewType(reviewType)
	c.Severity = models.ReviewSeverity(severity)
	c.Status = models.ReviewStatus(status)
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	_ = json.Unmarshal([]byte(replies), &c.Replies)
	return c, nil
}

// --- Check runs ---

const checkRunColumns = `id, change_id, status, checks, total, passed, failed, skipped, started_at, completed_at`

func (s *SQLiteStore) CreateCheckRun(ctx context.Context, run *models.CheckRun) error {
	if run.ID == "" {
		run.ID = NewULID()
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO check_runs (`+checkRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ChangeID, string(run.Status), marshalJSON(run.Checks),
		run.Summary.Total, run.Summary.Passed, run.Summary.Failed, run.Summary.Skipped,
		run.StartedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("create check run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestCheckRun(ctx context.Context, changeID string) (*models.CheckRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkRunColumns+` FROM check_runs WHERE change_id = ? ORDER BY id DESC LIMIT 1`,
		changeID)
	run, err := scanCheckRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("check runs for %s: %w", changeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest check run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListCheckRuns(ctx context.Context, changeID string, limit int) ([]*models.CheckRun, error) {
	query := `SELECT ` + checkRunColumns + ` FROM check_runs WHERE change_id = ? ORDER BY id DESC`
	args := []any{changeID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list check runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.CheckRun
	for rows.Next() {
		run, err := scanCheckRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanCheckRun(row rowScanner) (*models.CheckRun, error) {
	run := &models.CheckRun{}
	var status, checks string
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.ChangeID, &status, &checks,
		&run.Summary.Total, &run.Summary.Passed, &run.Summary.Failed, &run.Summary.Skipped,
		&run.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(checks), &run.Checks)
	return run, nil
}
