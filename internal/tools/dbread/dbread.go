// Package dbread implements the metered read-only SQL tool. It runs
// SELECT-class queries against a configured PostgreSQL database, typically
// an analytics replica, never malipo's own store.
//
// Security:
//   - Only read-only statements allowed (SELECT, EXPLAIN, SHOW, DESCRIBE, WITH)
//   - All write/DDL statements blocked (INSERT, UPDATE, DELETE, DROP, ALTER, etc.)
//   - Single statement per invocation
//   - Query timeout enforced via context
//   - Row limit enforced to prevent OOM
package dbread

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/jkaninda/malipo/internal/tools"
)

const (
	// ToolName is how plans refer to this tool.
	ToolName = "db_read"

	defaultMaxRows     = 1000
	defaultTimeout     = 30 * time.Second
	defaultUnitCostUSD = 0.002
)

// blockedPrefixes are SQL statement prefixes that indicate write/DDL operations.
var blockedPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
	"LOAD", "CLUSTER", "REFRESH", "SECURITY",
}

// allowedPrefixes are the only SQL statement prefixes permitted.
var allowedPrefixes = []string{
	"SELECT", "EXPLAIN", "SHOW", "DESCRIBE", "WITH",
}

// Tool runs read-only SQL queries against a configured database.
// The connection is opened lazily on first Execute.
type Tool struct {
	dsn     string
	source  string
	maxRows int
	timeout time.Duration
	costUSD float64
	logger  *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// Option configures the db read tool.
type Option func(*Tool)

// WithMaxRows caps how many rows a query may return.
func WithMaxRows(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxRows = n
		}
	}
}

// WithTimeout sets the per-query timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithUnitCost overrides the default per-invocation price.
func WithUnitCost(usd float64) Option {
	return func(t *Tool) {
		if usd > 0 {
			t.costUSD = usd
		}
	}
}

// New creates the db read tool pointed at a PostgreSQL DSN.
func New(dsn string, logger *slog.Logger, opts ...Option) *Tool {
	t := &Tool{
		dsn:     dsn,
		source:  sourceRef(dsn),
		maxRows: defaultMaxRows,
		timeout: defaultTimeout,
		costUSD: defaultUnitCostUSD,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Run a read-only SQL query (SELECT, EXPLAIN, SHOW, DESCRIBE, WITH) against the configured database. Config: {\"query\": \"SELECT ...\", \"max_rows\": 100}."
}

func (t *Tool) UnitCostUSD() float64 { return t.costUSD }

// Validate enforces the read-only gate before any money moves: the query
// must be present, start with an allowed prefix, and be a single statement.
func (t *Tool) Validate(config map[string]any) error {
	raw, ok := config["query"]
	if !ok {
		return fmt.Errorf("query is required")
	}
	query, ok := raw.(string)
	if !ok {
		return fmt.Errorf("query must be a string")
	}
	if err := validateReadOnly(query); err != nil {
		return err
	}
	if raw, ok := config["max_rows"]; ok {
		if _, ok := raw.(float64); !ok {
			return fmt.Errorf("max_rows must be a number")
		}
	}
	return nil
}

// Execute runs the query and returns the rows as a tab-separated table.
func (t *Tool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	query, _ := inv.Config["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	db, err := t.ensureConnected()
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	maxRows := t.maxRows
	if v, ok := inv.Config["max_rows"].(float64); ok && int(v) > 0 && int(v) < maxRows {
		maxRows = int(v)
	}

	queryCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.logger.DebugContext(ctx, "db read executing",
		slog.String("query_prefix", truncateQuery(query, 100)),
		slog.Int("max_rows", maxRows))

	rows, err := db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	defer rows.Close()

	output, rowCount, err := formatRows(rows, maxRows)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}

	t.logger.DebugContext(ctx, "db read completed",
		slog.Int("rows", rowCount))

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Sources: []string{t.source},
	}, nil
}

// ensureConnected opens the database connection if not already open.
func (t *Tool) ensureConnected() (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		return t.db, nil
	}
	if t.dsn == "" {
		return nil, fmt.Errorf("database DSN not configured")
	}

	db, err := sql.Open("pgx", t.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Conservative pool for a tool, not a web server.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	t.db = db
	return db, nil
}

// Close releases the underlying connection pool, if one was opened.
func (t *Tool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// validateReadOnly checks that a SQL statement is safe for read-only execution.
func validateReadOnly(query string) error {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}

	// Strip leading comments (-- or /* */) to find the actual statement.
	normalized = stripLeadingComments(normalized)
	upper := strings.ToUpper(normalized)

	// Blocked prefixes first, for clear error messages.
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed (read-only mode)", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedPrefixes, ", "))
	}

	// Block multiple statements (semicolons not at the end).
	trimmed := strings.TrimRight(normalized, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements not allowed; submit one query at a time")
	}

	return nil
}

// stripLeadingComments removes SQL comments from the beginning of a query.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

// formatRows reads SQL rows into a tab-separated table with a header line.
func formatRows(rows *sql.Rows, maxRows int) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("getting columns: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	rowCount := 0
	for rows.Next() {
		if rowCount >= maxRows {
			fmt.Fprintf(&sb, "\n... [results truncated at %d rows]", maxRows)
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return "", rowCount, fmt.Errorf("scanning row %d: %w", rowCount, err)
		}
		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(formatValue(v))
		}
		sb.WriteString("\n")
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return "", rowCount, fmt.Errorf("iterating rows: %w", err)
	}

	if rowCount == 0 {
		sb.WriteString("(no rows returned)\n")
	}
	return sb.String(), rowCount, nil
}

// formatValue converts a scanned SQL value to a display string.
func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if len(s) > 500 {
			return s[:500] + "..."
		}
		return s
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// truncateQuery returns the first n characters of a query for logging.
func truncateQuery(q string, n int) string {
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) > n {
		return q[:n] + "..."
	}
	return q
}

// sourceRef derives a credential-free provenance string from the DSN.
func sourceRef(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "sql:database"
	}
	ref := "sql:" + u.Host
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		ref += "/" + db
	}
	return ref
}
