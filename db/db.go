// Package db provides the Postgres connection, schema migration, and the
// analysis history store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection pool for dsn.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database DSN")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// Protector hides source numbers before they are stored and recovers them
// for an operator holding the key.
type Protector interface {
	Pseudonym(id string) string
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// ErrNoSealedSource is returned by RevealSource for rows stored in plaintext.
var ErrNoSealedSource = errors.New("analysis has no sealed source")

// Analysis is one row of the history.
type Analysis struct {
	TaskID     string        `json:"task_id"`
	Source     string        `json:"source"`
	Platform   string        `json:"platform"`
	URL        string        `json:"url"`
	Status     string        `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// HistoryStore records analyses. Without a Protector source numbers are
// stored as received.
type HistoryStore struct {
	db        *sql.DB
	protector Protector
}

// NewHistoryStore returns a store over db. protector may be nil.
func NewHistoryStore(db *sql.DB, protector Protector) *HistoryStore {
	return &HistoryStore{db: db, protector: protector}
}

func (h *HistoryStore) source(source string) (stored, sealed string, err error) {
	if h.protector == nil {
		return source, "", nil
	}
	sealed, err = h.protector.Seal(source)
	if err != nil {
		return "", "", fmt.Errorf("seal source: %w", err)
	}
	return h.protector.Pseudonym(source), sealed, nil
}

// Started inserts a running analysis.
func (h *HistoryStore) Started(ctx context.Context, taskID, source, platform, url string) error {
	stored, sealed, err := h.source(source)
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `INSERT INTO analyses (task_id, source, source_sealed, platform, url, status, started_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, 'running', NOW())
		ON CONFLICT (task_id) DO NOTHING`, taskID, stored, sealed, platform, url)
	if err != nil {
		return fmt.Errorf("insert analysis %s: %w", taskID, err)
	}
	return nil
}

// Finished records the outcome of taskID.
func (h *HistoryStore) Finished(ctx context.Context, taskID, status, detail string, dur time.Duration) error {
	res, err := h.db.ExecContext(ctx, `UPDATE analyses SET status=$2, detail=NULLIF($3, ''), duration_ms=$4, finished_at=NOW() WHERE task_id=$1`,
		taskID, status, detail, dur.Milliseconds())
	if err != nil {
		return fmt.Errorf("update analysis %s: %w", taskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("analysis %s not found", taskID)
	}
	return nil
}

// RevealSource returns the source number of taskID by opening its sealed
// copy. It needs a store built with the Protector that sealed the row.
func (h *HistoryStore) RevealSource(ctx context.Context, taskID string) (string, error) {
	if h.protector == nil {
		return "", errors.New("history key is not configured")
	}
	var sealed sql.NullString
	err := h.db.QueryRowContext(ctx, `SELECT source_sealed FROM analyses WHERE task_id=$1`, taskID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("analysis %s not found", taskID)
	}
	if err != nil {
		return "", fmt.Errorf("query analysis %s: %w", taskID, err)
	}
	if !sealed.Valid || sealed.String == "" {
		return "", ErrNoSealedSource
	}
	source, err := h.protector.Open(sealed.String)
	if err != nil {
		return "", fmt.Errorf("open source of %s: %w", taskID, err)
	}
	return source, nil
}

// Recent returns up to limit analyses, newest first.
func (h *HistoryStore) Recent(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `SELECT task_id, source, platform, url, status, COALESCE(detail, ''), COALESCE(duration_ms, 0), started_at, finished_at
		FROM analyses ORDER BY started_at DESC, task_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var a Analysis
		var ms int64
		var finished sql.NullTime
		if err := rows.Scan(&a.TaskID, &a.Source, &a.Platform, &a.URL, &a.Status, &a.Detail, &ms, &a.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats counts analyses per status.
func (h *HistoryStore) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analyses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

const pruneWhere = `status <> 'running' AND started_at < $1
	AND task_id NOT IN (SELECT task_id FROM analyses ORDER BY started_at DESC LIMIT $2)`

// Prune deletes finished analyses started before cutoff, always keeping the
// keepLast most recent rows. Running analyses are never deleted. With dryRun
// it only counts what would be deleted.
func (h *HistoryStore) Prune(ctx context.Context, cutoff time.Time, keepLast int, dryRun bool) (int, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	if dryRun {
		var n int
		if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses WHERE `+pruneWhere, cutoff, keepLast).Scan(&n); err != nil {
			return 0, fmt.Errorf("count prunable analyses: %w", err)
		}
		return n, nil
	}
	res, err := h.db.ExecContext(ctx, `DELETE FROM analyses WHERE `+pruneWhere, cutoff, keepLast)
	if err != nil {
		return 0, fmt.Errorf("prune analyses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// AbandonRunning marks analyses left running by a previous process as aborted.
func (h *HistoryStore) AbandonRunning(ctx context.Context) (int, error) {
	res, err := h.db.ExecContext(ctx, `UPDATE analyses SET status='aborted', detail='process restarted', finished_at=NOW() WHERE status='running'`)
	if err != nil {
		return 0, fmt.Errorf("abandon running analyses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
