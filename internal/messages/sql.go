package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLConfig holds connection pool configuration.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default configuration.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Open connects to a Postgres (or CockroachDB) or SQLite database and pings it.
func Open(dialect Dialect, dsn string, config *SQLConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultSQLConfig()
	}
	driver := "postgres"
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers, and each :memory: connection is its own database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLStore(db, dialect), nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the messages table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			topic_id TEXT NOT NULL,
			op_id TEXT NOT NULL,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			final BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_topic_idx ON messages (topic_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate messages: %w", err)
		}
	}
	return nil
}

// Create stores a message.
func (s *SQLStore) Create(ctx context.Context, opID string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, topic_id, op_id, role, body, final, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING
	`),
		msg.ID,
		msg.TopicID,
		opID,
		string(msg.Role),
		string(body),
		false,
		1,
		msg.CreatedAt.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	existingOp, _, err := s.writeState(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if existingOp != opID {
		return ErrDuplicate
	}
	return nil
}

// Update replaces a stored message unless it was finalized.
func (s *SQLStore) Update(ctx context.Context, opID string, msg *models.Message, opts WriteOptions) error {
	if msg == nil {
		return nil
	}
	msg.UpdatedAt = s.now()
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE messages
		SET op_id = ?,
			role = ?,
			body = ?,
			final = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND final = ?
	`),
		opID,
		string(msg.Role),
		string(body),
		opts.Final,
		msg.UpdatedAt.UnixNano(),
		msg.ID,
		false,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, final, err := s.writeState(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if final {
		return ErrStaleWrite
	}
	return fmt.Errorf("update message %s: no rows affected", msg.ID)
}

// Get returns a message by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM messages WHERE id = ?`), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// List returns the messages of a topic in creation order.
func (s *SQLStore) List(ctx context.Context, topicID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT body FROM messages
		WHERE topic_id = ?
		ORDER BY created_at ASC, id ASC
	`), topicID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) writeState(ctx context.Context, id string) (opID string, final bool, err error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT op_id, final FROM messages WHERE id = ?`), id)
	if err := row.Scan(&opID, &final); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, err
	}
	return opID, final, nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type messageScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner messageScanner) (*models.Message, error) {
	var body string
	if err := scanner.Scan(&body); err != nil {
		return nil, err
	}
	var msg models.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}
