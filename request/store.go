package request

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a request or user does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id                   VARCHAR(32)  PRIMARY KEY,
    user_id              VARCHAR(32)  NOT NULL,
    kind                 VARCHAR(20)  NOT NULL,
    status               VARCHAR(20)  NOT NULL,
    progress             INTEGER      NOT NULL DEFAULT 0,
    title                TEXT         NOT NULL DEFAULT '',
    url                  TEXT         NOT NULL,
    payload              TEXT         NULL,
    options              TEXT         NOT NULL DEFAULT '{}',
    created_at           DATETIME     NOT NULL,
    modified_at          DATETIME     NOT NULL,
    start_processing_at  DATETIME     NULL,
    completed_at         DATETIME     NULL,
    start_compressing_at DATETIME     NULL,
    compressed_at        DATETIME     NULL
);
CREATE TABLE IF NOT EXISTS request_logs (
    id         INTEGER      PRIMARY KEY AUTOINCREMENT,
    request_id VARCHAR(32)  NOT NULL,
    user_id    VARCHAR(32)  NOT NULL,
    level      INTEGER      NOT NULL,
    message    TEXT         NOT NULL,
    created_at DATETIME     NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
    id         VARCHAR(32)  PRIMARY KEY,
    username   VARCHAR(150) NOT NULL UNIQUE,
    token      VARCHAR(64)  NOT NULL UNIQUE,
    created_at DATETIME     NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_user ON requests (user_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_request ON request_logs (request_id);
`

// Store persists requests, request logs and users through database/sql.
// It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const requestColumns = `id, user_id, kind, status, progress, title, url, payload, options,
	created_at, modified_at, start_processing_at, completed_at, start_compressing_at, compressed_at`

func (s *Store) Create(ctx context.Context, r *Request) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.ModifiedAt = now
	if r.Status == "" {
		r.Status = StatusPending
	}

	opts, err := json.Marshal(r.Options)
	if err != nil {
		return err
	}
	var payload sql.NullString
	if len(r.Payload) > 0 {
		payload = sql.NullString{String: string(r.Payload), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, string(r.Kind), string(r.Status), r.Progress, r.Title, r.URL,
		payload, string(opts), r.CreatedAt, r.ModifiedAt,
		nullTime(r.StartProcessingAt), nullTime(r.CompletedAt),
		nullTime(r.StartCompressingAt), nullTime(r.CompressedAt))
	return err
}

func (s *Store) GetByID(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the request row and its log entries. On-disk files are
// cleaned up separately by the orchestrator.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE request_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update writes only the given columns plus modified_at, keeping single-field
// updates atomic. Column names are fixed by callers, never user input.
func (s *Store) Update(ctx context.Context, id string, set map[string]interface{}) error {
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	assign := make([]string, 0, len(cols)+1)
	args := make([]interface{}, 0, len(cols)+2)
	for _, c := range cols {
		assign = append(assign, c+" = ?")
		args = append(args, set[c])
	}
	assign = append(assign, "modified_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET `+strings.Join(assign, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r        Request
		kind     string
		status   string
		payload  sql.NullString
		opts     string
		startP   sql.NullTime
		complete sql.NullTime
		startC   sql.NullTime
		compress sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &kind, &status, &r.Progress, &r.Title, &r.URL,
		&payload, &opts, &r.CreatedAt, &r.ModifiedAt, &startP, &complete, &startC, &compress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r.Kind = Kind(kind)
	r.Status = Status(status)
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	if err := json.Unmarshal([]byte(opts), &r.Options); err != nil {
		return nil, err
	}
	r.StartProcessingAt = timePtr(startP)
	r.CompletedAt = timePtr(complete)
	r.StartCompressingAt = timePtr(startC)
	r.CompressedAt = timePtr(compress)
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Append implements LogSink, persisting one log entry.
func (s *Store) Append(ctx context.Context, requestID, userID string, level Level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, user_id, level, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		requestID, userID, int(level), message, time.Now().UTC())
	return err
}

func (s *Store) LogsByRequest(ctx context.Context, requestID string) ([]LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT id, request_id, user_id, level, message, created_at
		 FROM request_logs WHERE request_id = ? ORDER BY created_at DESC`, requestID)
}

// LogsByUserSince lists a user's log entries created at or after since,
// newest first.
func (s *Store) LogsByUserSince(ctx context.Context, userID string, since time.Time) ([]LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT id, request_id, user_id, level, message, created_at
		 FROM request_logs WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		userID, since.UTC())
}

// DeleteLogsBefore removes log entries older than cutoff. Used by the daily
// retention sweep.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) queryLogs(ctx context.Context, query string, args ...interface{}) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e     LogEntry
			level int
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.UserID, &level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Level = Level(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, token, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.Token, u.CreatedAt)
	return err
}

func (s *Store) UserByToken(ctx context.Context, token string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, token, created_at FROM users WHERE token = ?`, token).
		Scan(&u.ID, &u.Username, &u.Token, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
