// Package sqlite implements a single-file durable queue for trace
// egress. Published messages land in a SQLite table and are handed out
// to subscribers by polling, with per-message locking, retry backoff
// and a dead letter table for messages that keep failing. It needs no
// external broker, which makes it a good fit for in-vehicle loggers
// and bench setups.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/dltstream/internal/runtime/jsoncodec"
	"github.com/drblury/dltstream/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const (
	// DefaultPollInterval is how often subscribers check for new rows.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the number of redeliveries before a message
	// is moved to the dead letter table.
	DefaultMaxRetries = 3

	// lockDuration bounds how long a fetched row stays invisible to
	// other subscribers before it becomes eligible again.
	lockDuration = 30 * time.Second
)

func init() {
	Register()
}

// Register adds the backend to the default registry. Importing the
// package already does this.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a SQLite transport from the broker configuration.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{FilePath: cfg.GetSQLiteFile()}, logger)
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
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the database file. ":memory:" gives an
	// in-memory queue, which tests rely on.
	FilePath string
	// PollInterval is how often subscribers check for new rows.
	PollInterval time.Duration
	// MaxRetries is the number of redeliveries before a message is
	// moved to the dead letter table.
	MaxRetries int
	// Archive keeps a queryable copy of every published message in a
	// separate table, surviving delivery. See QueryArchive.
	Archive bool
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "dltstream_queue.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Transport is both the Publisher and the Subscriber side of the
// SQLite queue. A single instance may serve multiple topics.
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

// New opens (or creates) the queue database and ensures the schema.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.FilePath, err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between publisher and poller.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:            db,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]chan *message.Message),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		available_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		locked_until TIMESTAMP,
		retry_count INTEGER DEFAULT 0,
		status TEXT DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_status ON messages(topic, status, available_at);
	CREATE INDEX IF NOT EXISTS idx_messages_uuid ON messages(uuid);

	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		error_message TEXT,
		failed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic ON dead_letter_queue(original_topic);

	CREATE TABLE IF NOT EXISTS archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		apid TEXT NOT NULL DEFAULT '',
		ctid TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		metadata TEXT,
		stored_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_archive_topic_time ON archive(topic, stored_at);
	CREATE INDEX IF NOT EXISTS idx_archive_ids ON archive(apid, ctid);
	`
	_, err := t.db.Exec(schema)
	return err
}

// Publish appends messages to the topic queue in a single transaction.
// A "dltstream_delay" metadata duration pushes the availability time
// into the future.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return fmt.Errorf("sqlite: transport is closed")
	}
	t.closedMu.RUnlock()

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer t.rollback(tx)

	stmt, err := tx.Prepare(`
		INSERT INTO messages (uuid, topic, payload, metadata, available_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: marshal metadata: %w", err)
		}

		availableAt := time.Now().UTC()
		if delayStr := msg.Metadata.Get("dltstream_delay"); delayStr != "" {
			if delay, err := time.ParseDuration(delayStr); err == nil {
				availableAt = availableAt.Add(delay)
			}
		}

		if _, err := stmt.Exec(msg.UUID, topic, msg.Payload, string(metadata), availableAt); err != nil {
			return fmt.Errorf("sqlite: insert message: %w", err)
		}

		if t.config.Archive {
			_, err := tx.Exec(`
				INSERT INTO archive (uuid, topic, apid, ctid, payload, metadata, stored_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, msg.UUID, topic, msg.Metadata.Get("dlt_apid"), msg.Metadata.Get("dlt_ctid"),
				msg.Payload, string(metadata), time.Now().UTC())
			if err != nil {
				return fmt.Errorf("sqlite: insert archive copy: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}

	return nil
}

// Subscribe starts a poller that delivers pending messages for the
// topic one at a time. The returned channel is closed when the context
// is cancelled or the transport shuts down.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return nil, fmt.Errorf("sqlite: transport is closed")
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

// lockedRow is one queue row fetched for delivery, invisible to other
// subscribers until its lock expires or the outcome is recorded.
type lockedRow struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

func (t *Transport) fetchAndLock(ctx context.Context, topic string) (*lockedRow, bool) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		t.logError("begin fetch transaction", err)
		return nil, false
	}
	defer t.rollback(tx)

	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx, `
		SELECT id, uuid, payload, metadata
		FROM messages
		WHERE topic = ?
		AND status = 'pending'
		AND available_at <= ?
		AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY available_at ASC
		LIMIT 1
	`, topic, now, now)

	var lr lockedRow
	if err := row.Scan(&lr.id, &lr.uuid, &lr.payload, &lr.metadata); err != nil {
		if err != sql.ErrNoRows {
			t.logError("scan queue row", err)
		}
		return nil, false
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET locked_until = ? WHERE id = ?`, now.Add(lockDuration), lr.id); err != nil {
		t.logError("lock queue row", err)
		return nil, false
	}

	if err := tx.Commit(); err != nil {
		t.logError("commit lock", err)
		return nil, false
	}

	return &lr, true
}

func (t *Transport) deliverNext(ctx context.Context, topic string, msgChan chan *message.Message) {
	lr, found := t.fetchAndLock(ctx, topic)
	if !found {
		return
	}

	metadata := make(message.Metadata)
	if lr.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(lr.metadata), &metadata); err != nil {
			t.logError("unmarshal metadata", err)
		}
	}

	msg := message.NewMessage(lr.uuid, lr.payload)
	msg.Metadata = metadata

	select {
	case msgChan <- msg:
		t.awaitOutcome(ctx, lr.id, msg)
	case <-ctx.Done():
		t.unlock(lr.id)
	case <-t.closedChan:
		t.unlock(lr.id)
	}
}

// awaitOutcome blocks until the consumer acks or nacks, so delivery
// stays strictly one message at a time per topic.
func (t *Transport) awaitOutcome(ctx context.Context, id int64, msg *message.Message) {
	select {
	case <-msg.Acked():
		t.ack(id)
	case <-msg.Nacked():
		t.retryOrBury(id)
	case <-ctx.Done():
		t.unlock(id)
	case <-t.closedChan:
		t.unlock(id)
	}
}

func (t *Transport) ack(id int64) {
	if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logError("delete acked message", err)
	}
}

// retryOrBury reschedules a nacked message with linear backoff, or
// moves it to the dead letter table once retries are exhausted.
func (t *Transport) retryOrBury(id int64) {
	var retryCount int
	if err := t.db.QueryRow(`SELECT retry_count FROM messages WHERE id = ?`, id).Scan(&retryCount); err != nil {
		t.logError("read retry count", err)
		return
	}

	if retryCount >= t.config.MaxRetries {
		_, err := t.db.Exec(`
			INSERT INTO dead_letter_queue (uuid, original_topic, payload, metadata, error_message, retry_count)
			SELECT uuid, topic, payload, metadata, 'max retries exceeded', retry_count
			FROM messages WHERE id = ?
		`, id)
		if err != nil {
			t.logError("move message to dead letter queue", err)
		}

		if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
			t.logError("delete buried message", err)
		}
		return
	}

	availableAt := time.Now().UTC().Add(time.Duration(retryCount+1) * time.Second)
	_, err := t.db.Exec(`
		UPDATE messages
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = ?
		WHERE id = ?
	`, availableAt, id)
	if err != nil {
		t.logError("reschedule nacked message", err)
	}
}

func (t *Transport) unlock(id int64) {
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = NULL WHERE id = ?`, id); err != nil {
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
		t.logger.Error("sqlite transport: "+msg, err, nil)
	}
}

// Close stops all pollers, waits for in-flight deliveries to settle
// and closes the database.
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
	return transport.SQLiteCapabilities
}

// GetDB exposes the underlying connection for introspection tooling.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// GetPendingCount returns the number of undelivered messages for a topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE topic = ? AND status = 'pending'
	`, topic).Scan(&count)
	return count, err
}

// GetDLQCount returns the number of dead-lettered messages for a topic.
func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`
		SELECT COUNT(*) FROM dead_letter_queue
		WHERE original_topic = ?
	`, topic).Scan(&count)
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
	_, err = tx.Exec(`
		INSERT INTO messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || ?, original_topic, payload, metadata, 0
		FROM dead_letter_queue WHERE id = ?
	`, time.Now().UnixNano(), dlqID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM dead_letter_queue WHERE id = ?`, dlqID); err != nil {
		return err
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

	result, err := tx.Exec(`
		INSERT INTO messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || ?, original_topic, payload, metadata, 0
		FROM dead_letter_queue WHERE original_topic = ?
	`, time.Now().UnixNano(), topic)
	if err != nil {
		return 0, err
	}

	affected, _ := result.RowsAffected()

	if _, err := tx.Exec(`DELETE FROM dead_letter_queue WHERE original_topic = ?`, topic); err != nil {
		return 0, err
	}

	return affected, tx.Commit()
}

// PurgeDLQ drops all dead-lettered messages for a topic.
func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	result, err := t.db.Exec(`DELETE FROM dead_letter_queue WHERE original_topic = ?`, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDLQMessages pages through dead-lettered messages, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	rows, err := t.db.Query(`
		SELECT id, uuid, original_topic, payload, metadata, error_message, failed_at, retry_count
		FROM dead_letter_queue
		WHERE original_topic = ?
		ORDER BY failed_at DESC
		LIMIT ? OFFSET ?
	`, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []transport.DLQMessage
	for rows.Next() {
		var msg transport.DLQMessage
		var metadataStr string
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &metadataStr, &msg.ErrorMessage, &msg.FailedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		if metadataStr != "" {
			if err := jsoncodec.Unmarshal([]byte(metadataStr), &msg.Metadata); err != nil {
				t.logError("unmarshal dead letter metadata", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// QueryArchive returns archived messages matching the query, oldest
// first. The archive only fills when Config.Archive is set; without it
// every query comes back empty.
func (t *Transport) QueryArchive(ctx context.Context, q transport.ArchiveQuery) ([]transport.ArchivedMessage, error) {
	where := []string{"1=1"}
	args := []any{}

	if q.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, q.Topic)
	}
	if q.APID != "" {
		where = append(where, "apid = ?")
		args = append(args, q.APID)
	}
	if q.CTID != "" {
		where = append(where, "ctid = ?")
		args = append(args, q.CTID)
	}
	if !q.Since.IsZero() {
		where = append(where, "stored_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		where = append(where, "stored_at < ?")
		args = append(args, q.Until.UTC())
	}

	query := `
		SELECT id, uuid, topic, apid, ctid, payload, metadata, stored_at
		FROM archive
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY stored_at ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query archive: %w", err)
	}
	defer rows.Close()

	var messages []transport.ArchivedMessage
	for rows.Next() {
		var msg transport.ArchivedMessage
		var metadataStr string
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.Topic, &msg.APID, &msg.CTID, &msg.Payload, &metadataStr, &msg.StoredAt); err != nil {
			return nil, err
		}
		if metadataStr != "" {
			if err := jsoncodec.Unmarshal([]byte(metadataStr), &msg.Metadata); err != nil {
				t.logError("unmarshal archive metadata", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
