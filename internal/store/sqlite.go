package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store at dbPath, creating parent
// directories on demand.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// Open database with WAL mode and recommended pragmas
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection to ensure the file is created
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Captured traffic may contain credentials; keep the file private.
	if err := setSecureFilePermissions(dbPath); err != nil {
		_ = err // best effort; Windows has no Unix modes
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// setSecureFilePermissions sets restrictive permissions on the database file.
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	// WAL and SHM siblings may not exist yet; ignore errors.
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)

	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1, // Initial schema
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}

	return nil
}

const migrationV1 = `
-- Requests table
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	path TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	request_headers TEXT,
	request_body TEXT,
	response_headers TEXT,
	response_body TEXT,
	content_type TEXT NOT NULL DEFAULT '',
	duration INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0
);

-- Settings table
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Mock rules table
CREATE TABLE IF NOT EXISTS mock_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	method TEXT NOT NULL DEFAULT '',
	url_pattern TEXT NOT NULL,
	response_status INTEGER NOT NULL DEFAULT 200,
	response_headers TEXT,
	response_body TEXT NOT NULL DEFAULT '',
	delay INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

-- Request indexes
CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_requests_host ON requests(host);
CREATE INDEX IF NOT EXISTS idx_requests_method ON requests(method);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_content_type ON requests(content_type);

-- Mock rule indexes
CREATE INDEX IF NOT EXISTS idx_mock_rules_enabled ON mock_rules(enabled);
`

// SaveRequest inserts a pending exchange (status 0 unless pre-finalized,
// as mock short-circuits are) and returns its assigned id.
func (s *SQLiteStore) SaveRequest(ctx context.Context, ex *Exchange) (int64, error) {
	reqHeaders := marshalHeaders(ex.RequestHeaders)
	respHeaders := marshalHeaders(ex.ResponseHeaders)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (
			timestamp, method, url, host, path, status,
			request_headers, request_body, response_headers, response_body,
			content_type, duration, size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ex.Timestamp.UnixMilli(), ex.Method, ex.URL, ex.Host, ex.Path, ex.Status,
		reqHeaders, ex.RequestBody, respHeaders, ex.ResponseBody,
		ex.ContentType, ex.DurationMs, ex.Size,
	)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ex.ID = id
	return id, nil
}

// UpdateResponse finalizes a pending exchange. Rows that already carry a
// non-zero status are left untouched.
func (s *SQLiteStore) UpdateResponse(ctx context.Context, id int64, data ResponseData) error {
	respHeaders := marshalHeaders(data.ResponseHeaders)

	_, err := s.db.ExecContext(ctx, `
		UPDATE requests SET
			status = ?, response_headers = ?, response_body = ?,
			content_type = ?, duration = ?, size = ?
		WHERE id = ? AND status = 0
	`,
		data.Status, respHeaders, data.ResponseBody,
		data.ContentType, data.DurationMs, data.Size,
		id,
	)
	return err
}

// GetExchange retrieves an exchange by ID.
func (s *SQLiteStore) GetExchange(ctx context.Context, id int64) (*Exchange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, method, url, host, path, status,
			request_headers, request_body, response_headers, response_body,
			content_type, duration, size
		FROM requests WHERE id = ?
	`, id)

	ex, err := scanExchange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ex, err
}

// buildFilter appends WHERE clauses for the filter to query and args.
func buildFilter(query *strings.Builder, args *[]interface{}, filter Filter) {
	if filter.SearchQuery != "" {
		query.WriteString(" AND (url LIKE ? OR host LIKE ? OR path LIKE ?)")
		like := "%" + filter.SearchQuery + "%"
		*args = append(*args, like, like, like)
	}
	if len(filter.Methods) > 0 {
		query.WriteString(" AND method IN (" + placeholders(len(filter.Methods)) + ")")
		for _, m := range filter.Methods {
			*args = append(*args, m)
		}
	}
	if len(filter.StatusCodes) > 0 {
		query.WriteString(" AND status IN (" + placeholders(len(filter.StatusCodes)) + ")")
		for _, c := range filter.StatusCodes {
			*args = append(*args, c)
		}
	}
	if len(filter.Hosts) > 0 {
		query.WriteString(" AND host IN (" + placeholders(len(filter.Hosts)) + ")")
		for _, h := range filter.Hosts {
			*args = append(*args, h)
		}
	}
	if len(filter.ContentTypes) > 0 {
		query.WriteString(" AND (")
		for i := range filter.ContentTypes {
			if i > 0 {
				query.WriteString(" OR ")
			}
			query.WriteString("content_type LIKE ?")
			*args = append(*args, "%"+filter.ContentTypes[i]+"%")
		}
		query.WriteString(")")
	}
	if filter.StartTime != nil {
		query.WriteString(" AND timestamp >= ?")
		*args = append(*args, filter.StartTime.UnixMilli())
	}
	if filter.EndTime != nil {
		query.WriteString(" AND timestamp <= ?")
		*args = append(*args, filter.EndTime.UnixMilli())
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ListExchanges returns exchanges matching the filter, newest first.
func (s *SQLiteStore) ListExchanges(ctx context.Context, filter Filter) ([]*Exchange, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, timestamp, method, url, host, path, status,
			request_headers, request_body, response_headers, response_body,
			content_type, duration, size
		FROM requests WHERE 1=1
	`)

	args := []interface{}{}
	buildFilter(&query, &args, filter)

	query.WriteString(" ORDER BY timestamp DESC, id DESC")

	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query.WriteString(" LIMIT -1")
		}
		query.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []*Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, ex)
	}

	return exchanges, rows.Err()
}

// CountExchanges returns the count of exchanges matching the filter
// (ignores Limit/Offset).
func (s *SQLiteStore) CountExchanges(ctx context.Context, filter Filter) (int, error) {
	query := strings.Builder{}
	query.WriteString("SELECT COUNT(*) FROM requests WHERE 1=1")

	args := []interface{}{}
	buildFilter(&query, &args, filter)

	var count int
	err := s.db.QueryRowContext(ctx, query.String(), args...).Scan(&count)
	return count, err
}

// UniqueHosts returns the distinct hosts observed, alphabetically.
func (s *SQLiteStore) UniqueHosts(ctx context.Context) ([]string, error) {
	return s.uniqueColumn(ctx, "host")
}

// UniqueMethods returns the distinct methods observed, alphabetically.
func (s *SQLiteStore) UniqueMethods(ctx context.Context) ([]string, error) {
	return s.uniqueColumn(ctx, "method")
}

// UniqueContentTypes returns the distinct response content types observed.
func (s *SQLiteStore) UniqueContentTypes(ctx context.Context) ([]string, error) {
	return s.uniqueColumn(ctx, "content_type")
}

func (s *SQLiteStore) uniqueColumn(ctx context.Context, column string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT %s FROM requests WHERE %s != '' ORDER BY %s", column, column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// DeleteExchange deletes a single exchange.
func (s *SQLiteStore) DeleteExchange(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE id = ?", id)
	return err
}

// ClearAll deletes every exchange and reclaims file space.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM requests"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// DeleteOlderThan deletes exchanges older than the given number of hours and
// returns how many were removed.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, hours int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveMockRule inserts a mock rule.
func (s *SQLiteStore) SaveMockRule(ctx context.Context, rule *MockRule) error {
	headers := marshalHeaders(rule.ResponseHeaders)
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mock_rules (id, name, enabled, method, url_pattern, response_status, response_headers, response_body, delay, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.ID, rule.Name, rule.Enabled, rule.Method, rule.URLPattern,
		rule.ResponseStatus, headers, rule.ResponseBody, rule.DelayMs,
		rule.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// UpdateMockRule rewrites an existing mock rule in place.
func (s *SQLiteStore) UpdateMockRule(ctx context.Context, rule *MockRule) error {
	headers := marshalHeaders(rule.ResponseHeaders)

	_, err := s.db.ExecContext(ctx, `
		UPDATE mock_rules SET
			name = ?, enabled = ?, method = ?, url_pattern = ?,
			response_status = ?, response_headers = ?, response_body = ?, delay = ?
		WHERE id = ?
	`,
		rule.Name, rule.Enabled, rule.Method, rule.URLPattern,
		rule.ResponseStatus, headers, rule.ResponseBody, rule.DelayMs,
		rule.ID,
	)
	return err
}

// DeleteMockRule removes a mock rule.
func (s *SQLiteStore) DeleteMockRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mock_rules WHERE id = ?", id)
	return err
}

// SetMockRuleEnabled toggles a rule without touching its other fields.
func (s *SQLiteStore) SetMockRuleEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE mock_rules SET enabled = ? WHERE id = ?", enabled, id)
	return err
}

// ListMockRules returns all mock rules in descending creation order.
func (s *SQLiteStore) ListMockRules(ctx context.Context) ([]*MockRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, method, url_pattern, response_status, response_headers, response_body, delay, created_at
		FROM mock_rules ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*MockRule
	for rows.Next() {
		var rule MockRule
		var headers sql.NullString
		var createdAt string

		err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Enabled, &rule.Method, &rule.URLPattern,
			&rule.ResponseStatus, &headers, &rule.ResponseBody, &rule.DelayMs, &createdAt,
		)
		if err != nil {
			return nil, err
		}

		rule.ResponseHeaders = unmarshalHeaders(headers)
		rule.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// GetSetting returns the value for key, or empty string when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting stores an opaque value under key.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanExchange scans an exchange row from either *sql.Row or *sql.Rows.
func scanExchange(row rowScanner) (*Exchange, error) {
	var ex Exchange
	var timestamp int64
	var reqHeaders, respHeaders, reqBody, respBody sql.NullString

	err := row.Scan(
		&ex.ID, &timestamp, &ex.Method, &ex.URL, &ex.Host, &ex.Path, &ex.Status,
		&reqHeaders, &reqBody, &respHeaders, &respBody,
		&ex.ContentType, &ex.DurationMs, &ex.Size,
	)
	if err != nil {
		return nil, err
	}

	ex.Timestamp = time.UnixMilli(timestamp)
	ex.RequestHeaders = unmarshalHeaders(reqHeaders)
	ex.ResponseHeaders = unmarshalHeaders(respHeaders)
	if reqBody.Valid {
		ex.RequestBody = &reqBody.String
	}
	if respBody.Valid {
		ex.ResponseBody = &respBody.String
	}

	return &ex, nil
}

// marshalHeaders encodes headers as a JSON object; nil maps become "{}".
func marshalHeaders(h map[string]string) string {
	if h == nil {
		return "{}"
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// unmarshalHeaders decodes headers JSON. Malformed data degrades to an
// empty map rather than failing the read.
func unmarshalHeaders(s sql.NullString) map[string]string {
	h := map[string]string{}
	if !s.Valid || s.String == "" {
		return h
	}
	if err := json.Unmarshal([]byte(s.String), &h); err != nil {
		return map[string]string{}
	}
	return h
}
