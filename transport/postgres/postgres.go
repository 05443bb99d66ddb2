// Package postgres implements a PostgreSQL-backed durable queue for
// trace egress. It shares the polling queue model of the sqlite
// backend but scales to multiple competing consumers: rows are claimed
// with FOR UPDATE SKIP LOCKED, so several fleet collectors can drain
// the same topic without stepping on each other. Retries use
// exponential backoff and exhausted messages land in a dead letter
// table with replay helpers.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/dltstream/internal/runtime/jsoncodec"
	"github.com/drblury/dltstream/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is how often subscribers check for new rows.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the number of redeliveries before a message
	// is moved to the dead letter table.
	DefaultMaxRetries = 3
	// DefaultLockTimeout bounds how long a claimed row stays invisible
	// to other consumers.
	DefaultLockTimeout = 30 * time.Second
)

func init() {
	Register()
}

// Register adds the backend to the default registry under both the
// short and the long name. Importing the package already does this.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build creates a PostgreSQL transport from the broker configuration.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is how often subscribers check for new rows.
	PollInterval time.Duration
	// MaxRetries is the number of redeliveries before a message is
	// moved to the dead letter table.
	MaxRetries int
	// LockTimeout bounds how long a claimed row stays invisible to
	// other consumers.
	LockTimeout time.Duration
	// SchemaName is the schema holding the queue tables. Defaults to
	// "dltstream".
	SchemaName string
	// MaxOpenConns caps open connections to the database.
	MaxOpenConns int
	// MaxIdleConns caps idle connections.
	MaxIdleConns int
	// Archive keeps a queryable copy of every published message in a
	// separate table, surviving delivery. See QueryArchive.
	Archive bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.SchemaName == "" {
		c.SchemaName = "dltstream"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Transport is both the Publisher and the Subscriber side of the
// PostgreSQL queue.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]chan *message.Message
	subMu         sync.RWMutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to the database and ensures the queue schema.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	t := &Transport{
		db:            db,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]chan *message.Message),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureSchema() error {
	// #nosec G201 - schema name comes from trusted configuration
	_, err := t.db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, t.config.SchemaName))
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// #nosec G201 - schema name comes from trusted configuration
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT NOW(),
		available_at TIMESTAMPTZ DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		retry_count INTEGER DEFAULT 0,
		status TEXT DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_status_available
		ON %[1]s.messages(topic, status, available_at)
		WHERE status = 'pending';

	CREATE INDEX IF NOT EXISTS idx_messages_uuid ON %[1]s.messages(uuid);
	CREATE INDEX IF NOT EXISTS idx_messages_locked_until ON %[1]s.messages(locked_until)
		WHERE locked_until IS NOT NULL;

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letter_queue (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		error_message TEXT,
		failed_at TIMESTAMPTZ DEFAULT NOW(),
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic ON %[1]s.dead_letter_queue(original_topic);
	CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON %[1]s.dead_letter_queue(failed_at);

	CREATE TABLE IF NOT EXISTS %[1]s.archive (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		apid TEXT NOT NULL DEFAULT '',
		ctid TEXT NOT NULL DEFAULT '',
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		stored_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_archive_topic_time ON %[1]s.archive(topic, stored_at);
	CREATE INDEX IF NOT EXISTS idx_archive_ids ON %[1]s.archive(apid, ctid);
	`, t.config.SchemaName)

	_, err = t.db.Exec(schema)
	return err
}

// Publish appends messages to the topic queue in a single transaction.
// A "dltstream_delay" metadata duration pushes the availability time
// into the future.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return fmt.Errorf("postgres: transport is closed")
	}
	t.closedMu.RUnlock()

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer t.rollback(tx)

	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s.messages (uuid, topic, payload, metadata, available_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.config.SchemaName))
	if err != nil {
		return fmt.Errorf("postgres: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}

		availableAt := time.Now().UTC()
		if delayStr := msg.Metadata.Get("dltstream_delay"); delayStr != "" {
			if delay, err := time.ParseDuration(delayStr); err == nil {
				availableAt = availableAt.Add(delay)
			}
		}

		if _, err := stmt.Exec(msg.UUID, topic, msg.Payload, metadata, availableAt); err != nil {
			return fmt.Errorf("postgres: insert message: %w", err)
		}

		if t.config.Archive {
			// #nosec G201 - schema name comes from trusted configuration
			_, err := tx.Exec(fmt.Sprintf(`
				INSERT INTO %s.archive (uuid, topic, apid, ctid, payload, metadata, stored_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, t.config.SchemaName), msg.UUID, topic, msg.Metadata.Get("dlt_apid"),
				msg.Metadata.Get("dlt_ctid"), msg.Payload, metadata, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("postgres: insert archive copy: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}

	return nil
}

// Subscribe starts a poller that claims pending messages for the
// topic one at a time. The returned channel is closed when the context
// is cancelled or the transport shuts down.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return nil, fmt.Errorf("postgres: transport is closed")
	}
	t.closedMu.RUnlock()

	msgChan := make(chan *message.Message)

	t.subMu.Lock()
	t.subscriptions[topic] = msgChan
	t.subMu.Unlock()

	t.wg.Add(1)
	go t.poll(ctx, topic, msgChan)

	return msgChan, nil
}

func (t *Transport) poll(ctx context.Context, topic string, msgChan chan *message.Message) {
	defer t.wg.Done()
	defer close(msgChan)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-ticker.C:
			t.deliverNext(ctx, topic, msgChan)
		}
	}
}

// claimNext atomically claims the oldest available row for the topic.
// SKIP LOCKED keeps competing consumers from blocking on each other.
func (t *Transport) claimNext(ctx context.Context, topic string) (int64, *message.Message, bool) {
	now := time.Now().UTC()

	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		UPDATE %[1]s.messages
		SET locked_until = $1
		WHERE id = (
			SELECT id FROM %[1]s.messages
			WHERE topic = $2
			AND status = 'pending'
			AND available_at <= $3
			AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY available_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata
	`, t.config.SchemaName)

	var (
		id           int64
		uuid         string
		payload      []byte
		metadataJSON []byte
	)

	err := t.db.QueryRowContext(ctx, query, now.Add(t.config.LockTimeout), topic, now).Scan(&id, &uuid, &payload, &metadataJSON)
	if err != nil {
		if err != sql.ErrNoRows {
			t.logError("claim queue row", err)
		}
		return 0, nil, false
	}

	metadata := make(message.Metadata)
	if len(metadataJSON) > 0 {
		if err := jsoncodec.Unmarshal(metadataJSON, &metadata); err != nil {
			t.logError("unmarshal metadata", err)
		}
	}

	msg := message.NewMessage(uuid, payload)
	msg.Metadata = metadata
	return id, msg, true
}

func (t *Transport) deliverNext(ctx context.Context, topic string, msgChan chan *message.Message) {
	id, msg, found := t.claimNext(ctx, topic)
	if !found {
		return
	}

	select {
	case msgChan <- msg:
		t.awaitOutcome(ctx, id, msg)
	case <-ctx.Done():
		t.unlock(ctx, id)
	case <-t.closedChan:
		t.unlock(ctx, id)
	}
}

// awaitOutcome blocks until the consumer acks or nacks, so delivery
// stays strictly one message at a time per poller.
func (t *Transport) awaitOutcome(ctx context.Context, id int64, msg *message.Message) {
	select {
	case <-msg.Acked():
		t.ack(ctx, id)
	case <-msg.Nacked():
		t.retryOrBury(ctx, id)
	case <-ctx.Done():
		t.unlock(ctx, id)
	case <-t.closedChan:
		t.unlock(ctx, id)
	}
}

func (t *Transport) ack(ctx context.Context, id int64) {
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`DELETE FROM %s.messages WHERE id = $1`, t.config.SchemaName)
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logError("delete acked message", err)
	}
}

// retryOrBury reschedules a nacked message with exponential backoff,
// or moves it to the dead letter table once retries are exhausted.
func (t *Transport) retryOrBury(ctx context.Context, id int64) {
	var retryCount int
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`SELECT retry_count FROM %s.messages WHERE id = $1`, t.config.SchemaName)
	if err := t.db.QueryRowContext(ctx, query, id).Scan(&retryCount); err != nil {
		t.logError("read retry count", err)
		return
	}

	if retryCount >= t.config.MaxRetries {
		// #nosec G201 - schema name comes from trusted configuration
		moveToDLQ := fmt.Sprintf(`
			WITH moved AS (
				DELETE FROM %[1]s.messages WHERE id = $1
				RETURNING uuid, topic, payload, metadata, retry_count
			)
			INSERT INTO %[1]s.dead_letter_queue (uuid, original_topic, payload, metadata, error_message, retry_count)
			SELECT uuid, topic, payload, metadata, 'max retries exceeded', retry_count FROM moved
		`, t.config.SchemaName)

		if _, err := t.db.ExecContext(ctx, moveToDLQ, id); err != nil {
			t.logError("move message to dead letter queue", err)
		}
		return
	}

	availableAt := time.Now().UTC().Add(time.Duration(1<<retryCount) * time.Second)
	// #nosec G201 - schema name comes from trusted configuration
	reschedule := fmt.Sprintf(`
		UPDATE %s.messages
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = $1
		WHERE id = $2
	`, t.config.SchemaName)
	if _, err := t.db.ExecContext(ctx, reschedule, availableAt, id); err != nil {
		t.logError("reschedule nacked message", err)
	}
}

func (t *Transport) unlock(ctx context.Context, id int64) {
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`UPDATE %s.messages SET locked_until = NULL WHERE id = $1`, t.config.SchemaName)
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logError("unlock message", err)
	}
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		t.logError("rollback transaction", err)
	}
}

func (t *Transport) logError(msg string, err error) {
	if t.logger != nil {
		t.logger.Error("postgres transport: "+msg, err, nil)
	}
}

// Close stops all pollers, waits for in-flight deliveries to settle
// and closes the database pool.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()

	t.subMu.Lock()
	t.subscriptions = nil
	t.subMu.Unlock()

	return t.db.Close()
}

// GetCapabilities returns the capabilities of this transport instance.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// GetDB exposes the underlying connection pool for introspection tooling.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// GetPendingCount returns the number of undelivered messages for a topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.messages
		WHERE topic = $1 AND status = 'pending'
	`, t.config.SchemaName)
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

// GetDLQCount returns the number of dead-lettered messages for a topic.
func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.dead_letter_queue
		WHERE original_topic = $1
	`, t.config.SchemaName)
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

// ReplayDLQMessage moves one dead-lettered message back to the main
// queue with a fresh retry budget.
func (t *Transport) ReplayDLQMessage(dlqID int64) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer t.rollback(tx)

	// The uuid gets a replay suffix to keep the UNIQUE constraint
	// happy when the same message is replayed more than once.
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE id = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint, original_topic, payload, metadata, 0
		FROM replayed
	`, t.config.SchemaName)

	result, err := tx.Exec(query, dlqID)
	if err != nil {
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("postgres: dead letter message %d not found", dlqID)
	}

	return tx.Commit()
}

// ReplayAllDLQ moves every dead-lettered message for a topic back to
// the main queue and reports how many were moved.
func (t *Transport) ReplayAllDLQ(topic string) (int64, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	defer t.rollback(tx)

	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE original_topic = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint || '-' || row_number() OVER (), original_topic, payload, metadata, 0
		FROM replayed
	`, t.config.SchemaName)

	result, err := tx.Exec(query, topic)
	if err != nil {
		return 0, err
	}

	affected, _ := result.RowsAffected()
	return affected, tx.Commit()
}

// PurgeDLQ drops all dead-lettered messages for a topic.
func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`DELETE FROM %s.dead_letter_queue WHERE original_topic = $1`, t.config.SchemaName)
	result, err := t.db.Exec(query, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDLQMessages pages through dead-lettered messages, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		SELECT id, uuid, original_topic, payload, metadata, error_message, failed_at, retry_count
		FROM %s.dead_letter_queue
		WHERE original_topic = $1
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3
	`, t.config.SchemaName)

	rows, err := t.db.Query(query, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []transport.DLQMessage
	for rows.Next() {
		var msg transport.DLQMessage
		var metadataJSON []byte
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &metadataJSON, &msg.ErrorMessage, &msg.FailedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := jsoncodec.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				t.logError("unmarshal dead letter metadata", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CleanupExpiredLocks releases rows whose delivery lock has lapsed,
// typically after a consumer crash.
func (t *Transport) CleanupExpiredLocks() (int64, error) {
	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		UPDATE %s.messages
		SET locked_until = NULL
		WHERE locked_until IS NOT NULL AND locked_until < NOW()
	`, t.config.SchemaName)
	result, err := t.db.Exec(query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// VacuumTables reclaims space in the queue tables. High-volume trace
// topics churn rows quickly, so periodic vacuuming keeps them lean.
func (t *Transport) VacuumTables() error {
	if _, err := t.db.Exec(fmt.Sprintf(`VACUUM %s.messages`, t.config.SchemaName)); err != nil {
		return err
	}
	if _, err := t.db.Exec(fmt.Sprintf(`VACUUM %s.dead_letter_queue`, t.config.SchemaName)); err != nil {
		return err
	}
	return nil
}

// QueryArchive returns archived messages matching the query, oldest
// first. The archive only fills when Config.Archive is set; without it
// every query comes back empty.
func (t *Transport) QueryArchive(ctx context.Context, q transport.ArchiveQuery) ([]transport.ArchivedMessage, error) {
	where := []string{"TRUE"}
	args := []any{}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Topic != "" {
		where = append(where, "topic = "+arg(q.Topic))
	}
	if q.APID != "" {
		where = append(where, "apid = "+arg(q.APID))
	}
	if q.CTID != "" {
		where = append(where, "ctid = "+arg(q.CTID))
	}
	if !q.Since.IsZero() {
		where = append(where, "stored_at >= "+arg(q.Since.UTC()))
	}
	if !q.Until.IsZero() {
		where = append(where, "stored_at < "+arg(q.Until.UTC()))
	}

	// #nosec G201 - schema name comes from trusted configuration
	query := fmt.Sprintf(`
		SELECT id, uuid, topic, apid, ctid, payload, metadata, stored_at
		FROM %s.archive
		WHERE `, t.config.SchemaName) + strings.Join(where, " AND ") + `
		ORDER BY stored_at ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query archive: %w", err)
	}
	defer rows.Close()

	var messages []transport.ArchivedMessage
	for rows.Next() {
		var msg transport.ArchivedMessage
		var metadataRaw []byte
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.Topic, &msg.APID, &msg.CTID, &msg.Payload, &metadataRaw, &msg.StoredAt); err != nil {
			return nil, err
		}
		if len(metadataRaw) > 0 {
			if err := jsoncodec.Unmarshal(metadataRaw, &msg.Metadata); err != nil {
				t.logError("unmarshal archive metadata", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
