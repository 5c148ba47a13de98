package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"tanyarelay/internal/logging"
	dbconfig "tanyarelay/pkg/database"
	"tanyarelay/pkg/interfaces"
	"tanyarelay/pkg/types"
)

// Manager implements interfaces.QuestionStore on top of SQLite.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	ids          *snowflake.Node
	writeChannel chan writeOperation // TECHNICAL: single-writer pattern for SQLite
	retryDelay   time.Duration
	shutdown     chan struct{}
	stopped      chan struct{} // closed once writeLoop has answered every queued write
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	log          zerolog.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

var _ interfaces.QuestionStore = (*Manager)(nil)

// NewManager opens the database and starts the writer goroutine. Call
// ApplyMigrations on pkg/database before the first write.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: a shared-cache memory database vanishes with its last
	// connection, so the pool is pinned to one connection that never expires.
	if config.InMemory() {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(config.MaxConnections)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if err := applySQLiteOptimizations(db, config.InMemory()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		ids:          node,
		writeChannel: make(chan writeOperation, 100),
		retryDelay:   time.Second,
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		log:          logging.For("database"),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
// TECHNICAL DISCOVERY: shutdown is checked before each write, and writes still
// queued at shutdown are answered with ErrStoreClosed, so no caller waits forever.
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case <-m.shutdown:
			m.drainWrites()
			return
		default:
		}

		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.log.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database write failed, retrying once")
				time.Sleep(m.retryDelay)
				if err = op.operation(m.db); err != nil {
					m.log.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.drainWrites()
			return
		}
	}
}

func (m *Manager) drainWrites() {
	m.log.Debug().Int("pending", len(m.writeChannel)).Msg("database write loop shutting down")
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- interfaces.ErrStoreClosed
		default:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		// the loop may have answered before exiting
		select {
		case err := <-result:
			return err
		default:
			return interfaces.ErrStoreClosed
		}
	}
}

// AppendQuestion stores a new record, assigning a time-ordered id when q.ID is empty.
func (m *Manager) AppendQuestion(ctx context.Context, q *types.QueuedQuestion) error {
	if q == nil {
		return fmt.Errorf("question cannot be nil")
	}
	if q.ID == "" {
		q.ID = m.ids.Generate().String()
	}
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = time.Now()
	}
	q.ReceivedAt = q.ReceivedAt.UTC()
	q.Timestamp = q.Timestamp.UTC()

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO queued_questions (id, client_id, name, question, timestamp, status, source, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			q.ID,
			q.ClientID,
			q.Name,
			q.Question,
			q.Timestamp,
			string(q.Status),
			string(q.Source),
			q.ReceivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert question: %w", err)
		}
		return nil
	})
}

// ListQuestions returns records oldest first.
func (m *Manager) ListQuestions(ctx context.Context, filter interfaces.QuestionFilter) ([]*types.QueuedQuestion, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, client_id, name, question, timestamp, status, source, received_at FROM queued_questions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var questions []*types.QueuedQuestion
	for rows.Next() {
		var (
			q      types.QueuedQuestion
			status string
			source string
		)
		if err := rows.Scan(&q.ID, &q.ClientID, &q.Name, &q.Question, &q.Timestamp, &status, &source, &q.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan question row: %w", err)
		}
		q.Status = types.QuestionStatus(status)
		q.Source = types.QuestionSource(source)
		questions = append(questions, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating question rows: %w", err)
	}

	return questions, nil
}

// CountQuestions returns the number of stored records.
func (m *Manager) CountQuestions(ctx context.Context) (int, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_questions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count questions: %w", err)
	}
	return count, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := m.CountQuestions(ctx); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB, inMemory bool) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if !inMemory {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
