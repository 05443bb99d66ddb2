package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dltstream/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "sqlite", caps.Name)
	assert.True(t, caps.SupportsDelay)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsNack)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.SQLiteCapabilities, caps)
	assert.Equal(t, "sqlite", caps.Name)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		cfg := Config{}.withDefaults()

		assert.Equal(t, "dltstream_queue.db", cfg.FilePath)
		assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
		// MaxRetries defaults only if < 0, zero means no retries.
		assert.Equal(t, 0, cfg.MaxRetries)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			FilePath:     "bench-queue.db",
			PollInterval: 200 * time.Millisecond,
			MaxRetries:   5,
		}.withDefaults()

		assert.Equal(t, "bench-queue.db", cfg.FilePath)
		assert.Equal(t, 200*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, 5, cfg.MaxRetries)
	})

	t.Run("negative poll interval gets default", func(t *testing.T) {
		cfg := Config{PollInterval: -1}.withDefaults()
		assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	})

	t.Run("negative max retries gets default", func(t *testing.T) {
		cfg := Config{MaxRetries: -1}.withDefaults()
		assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	})
}

func TestNew(t *testing.T) {
	t.Run("in-memory queue", func(t *testing.T) {
		tr, err := New(Config{FilePath: ":memory:"}, watermill.NopLogger{})

		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.NotNil(t, tr.db)
		assert.NotNil(t, tr.closedChan)
		assert.False(t, tr.closed)

		require.NoError(t, tr.Close())
	})

	t.Run("file-backed queue", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "traces-queue.db")
		tr, err := New(Config{FilePath: path}, watermill.NopLogger{})

		require.NoError(t, err)
		require.NotNil(t, tr)
		require.NoError(t, tr.Close())
	})

	t.Run("creates queue and dead letter tables", func(t *testing.T) {
		tr, err := New(Config{FilePath: ":memory:"}, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		for _, table := range []string{"messages", "dead_letter_queue"} {
			var count int
			err = tr.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, table)
		}
	})
}

func TestBuild(t *testing.T) {
	cfg := &mockConfig{sqliteFile: ":memory:"}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)

	if pub, ok := tr.Publisher.(*Transport); ok {
		pub.Close()
	}
}

func TestTransport_Publish(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	t.Run("single trace event", func(t *testing.T) {
		msg := message.NewMessage(watermill.NewUUID(), []byte(`{"apid":"APP1","payload":"speed=120"}`))
		require.NoError(t, tr.Publish("vehicle.traces", msg))

		count, err := tr.GetPendingCount("vehicle.traces")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("batch of trace events", func(t *testing.T) {
		msg1 := message.NewMessage(watermill.NewUUID(), []byte(`{"ctid":"ERR","payload":"sensor timeout"}`))
		msg2 := message.NewMessage(watermill.NewUUID(), []byte(`{"ctid":"WARN","payload":"rpm high"}`))
		require.NoError(t, tr.Publish("engine.traces", msg1, msg2))

		count, err := tr.GetPendingCount("engine.traces")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("delay metadata defers availability", func(t *testing.T) {
		msg := message.NewMessage(watermill.NewUUID(), []byte("deferred diagnostics dump"))
		msg.Metadata.Set("dltstream_delay", "1s")
		require.NoError(t, tr.Publish("diag.traces", msg))

		count, err := tr.GetPendingCount("diag.traces")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("fails on closed transport", func(t *testing.T) {
		closedTr := newTestTransport(t)
		closedTr.Close()

		err := closedTr.Publish("vehicle.traces", message.NewMessage(watermill.NewUUID(), []byte("late")))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})
}

func TestTransport_Subscribe(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	t.Run("delivers published trace", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		msgChan, err := tr.Subscribe(ctx, "vehicle.traces")
		require.NoError(t, err)
		require.NotNil(t, msgChan)

		msg := message.NewMessage("trace-0001", []byte("battery=84%"))
		msg.Metadata.Set("dlt_apid", "BATT")
		require.NoError(t, tr.Publish("vehicle.traces", msg))

		select {
		case received := <-msgChan:
			assert.Equal(t, "trace-0001", received.UUID)
			assert.EqualValues(t, []byte("battery=84%"), received.Payload)
			assert.Equal(t, "BATT", received.Metadata.Get("dlt_apid"))
			received.Ack()
		case <-ctx.Done():
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("fails on closed transport", func(t *testing.T) {
		closedTr := newTestTransport(t)
		closedTr.Close()

		_, err := closedTr.Subscribe(context.Background(), "vehicle.traces")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})
}

func TestTransport_Close(t *testing.T) {
	t.Run("closes transport", func(t *testing.T) {
		tr := newTestTransport(t)
		require.NoError(t, tr.Close())
		assert.True(t, tr.closed)
	})

	t.Run("idempotent", func(t *testing.T) {
		tr := newTestTransport(t)
		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
	})
}

func TestTransport_GetCapabilities(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	assert.Equal(t, transport.SQLiteCapabilities, tr.GetCapabilities())
}

func TestTransport_GetDB(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	db := tr.GetDB()
	assert.NotNil(t, db)
	assert.Equal(t, tr.db, db)
}

func TestTransport_GetPendingCount(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	count, err := tr.GetPendingCount("gateway.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, tr.Publish("gateway.traces", message.NewMessage(watermill.NewUUID(), []byte("can frame 0x1A2"))))

	count, err = tr.GetPendingCount("gateway.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTransport_GetDLQCount(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	count, err := tr.GetDLQCount("engine.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	seedDLQ(t, tr, "engine.traces", 1)

	count, err = tr.GetDLQCount("engine.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTransport_ReplayDLQMessage(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	result, err := tr.db.Exec(`
		INSERT INTO dead_letter_queue (uuid, original_topic, payload, metadata, error_message, retry_count)
		VALUES ('trace-dead-1', 'engine.traces', 'rpm=9000', '{"dlt_apid":"ENGN"}', 'sink unavailable', 3)
	`)
	require.NoError(t, err)

	dlqID, err := result.LastInsertId()
	require.NoError(t, err)

	require.NoError(t, tr.ReplayDLQMessage(dlqID))

	count, err := tr.GetPendingCount("engine.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	dlqCount, err := tr.GetDLQCount("engine.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqCount)
}

func TestTransport_ReplayAllDLQ(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	seedDLQ(t, tr, "vehicle.traces", 3)

	affected, err := tr.ReplayAllDLQ("vehicle.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)

	count, err := tr.GetPendingCount("vehicle.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	dlqCount, err := tr.GetDLQCount("vehicle.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqCount)
}

func TestTransport_PurgeDLQ(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	seedDLQ(t, tr, "diag.traces", 3)

	affected, err := tr.PurgeDLQ("diag.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)

	count, err := tr.GetDLQCount("diag.traces")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestTransport_ListDLQMessages(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	for i := 0; i < 5; i++ {
		_, err := tr.db.Exec(`
			INSERT INTO dead_letter_queue (uuid, original_topic, payload, metadata, error_message, retry_count)
			VALUES (?, 'vehicle.traces', ?, '{"dlt_apid":"NAVI"}', 'sink unavailable', ?)
		`, fmt.Sprintf("trace-dead-%d", i), []byte(fmt.Sprintf("waypoint %d missed", i)), i)
		require.NoError(t, err)
	}

	t.Run("pagination limit", func(t *testing.T) {
		msgs, err := tr.ListDLQMessages("vehicle.traces", 2, 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("pagination offset", func(t *testing.T) {
		msgs, err := tr.ListDLQMessages("vehicle.traces", 10, 3)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("fields populated", func(t *testing.T) {
		msgs, err := tr.ListDLQMessages("vehicle.traces", 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		msg := msgs[0]
		assert.NotZero(t, msg.ID)
		assert.NotEmpty(t, msg.UUID)
		assert.Equal(t, "vehicle.traces", msg.OriginalTopic)
		assert.NotEmpty(t, msg.Payload)
		assert.Equal(t, "NAVI", msg.Metadata["dlt_apid"])
		assert.Equal(t, "sink unavailable", msg.ErrorMessage)
		assert.False(t, msg.FailedAt.IsZero())
	})
}

func TestTransport_MessageAckNack(t *testing.T) {
	t.Run("acked trace is removed from the queue", func(t *testing.T) {
		tr := newTestTransport(t)
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		msgChan, err := tr.Subscribe(ctx, "vehicle.traces")
		require.NoError(t, err)

		require.NoError(t, tr.Publish("vehicle.traces", message.NewMessage("trace-ack-1", []byte("door=open"))))

		select {
		case received := <-msgChan:
			received.Ack()
			time.Sleep(50 * time.Millisecond)
		case <-ctx.Done():
			t.Fatal("timeout waiting for message")
		}

		count, err := tr.GetPendingCount("vehicle.traces")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("nacked trace lands in DLQ once retries are exhausted", func(t *testing.T) {
		cfg := Config{FilePath: ":memory:", MaxRetries: 0, PollInterval: 50 * time.Millisecond}
		tr, err := New(cfg, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		msgChan, err := tr.Subscribe(ctx, "engine.traces")
		require.NoError(t, err)

		require.NoError(t, tr.Publish("engine.traces", message.NewMessage("trace-nack-1", []byte("oil pressure low"))))

		select {
		case received := <-msgChan:
			received.Nack()
			time.Sleep(100 * time.Millisecond)
		case <-ctx.Done():
			t.Fatal("timeout waiting for message")
		}

		dlqCount, err := tr.GetDLQCount("engine.traces")
		require.NoError(t, err)
		assert.Equal(t, int64(1), dlqCount)
	})
}

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(Config{
		FilePath:     ":memory:",
		PollInterval: 50 * time.Millisecond,
		MaxRetries:   3,
	}, watermill.NopLogger{})
	require.NoError(t, err)
	return tr
}

func seedDLQ(t *testing.T, tr *Transport, topic string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tr.db.Exec(`
			INSERT INTO dead_letter_queue (uuid, original_topic, payload, metadata, error_message)
			VALUES (?, ?, 'checksum mismatch', '{}', 'sink unavailable')
		`, fmt.Sprintf("trace-dead-%s-%d", topic, i), topic)
		require.NoError(t, err)
	}
}

type mockConfig struct {
	sqliteFile string
}

func (m *mockConfig) GetEgressSystem() string       { return "sqlite" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetIOFile() string             { return "" }
func (m *mockConfig) GetSQLiteFile() string         { return m.sqliteFile }
func (m *mockConfig) GetPostgresURL() string        { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

func TestTransport_QueryArchive(t *testing.T) {
	var _ transport.ArchiveReader = (*Transport)(nil)

	tr, err := New(Config{FilePath: ":memory:", Archive: true}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	publish := func(topic, apid, ctid, payload string) {
		msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
		msg.Metadata.Set("dlt_apid", apid)
		msg.Metadata.Set("dlt_ctid", ctid)
		require.NoError(t, tr.Publish(topic, msg))
	}

	publish("vehicle.traces", "APP1", "CTX1", "speed=120")
	publish("vehicle.traces", "APP1", "CTX2", "speed=121")
	publish("engine.traces", "ENGN", "MAIN", "rpm=9000")

	t.Run("by topic", func(t *testing.T) {
		msgs, err := tr.QueryArchive(context.Background(), transport.ArchiveQuery{Topic: "vehicle.traces"})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "APP1", msgs[0].APID)
		assert.Equal(t, []byte("speed=120"), msgs[0].Payload)
		assert.Equal(t, "APP1", msgs[0].Metadata["dlt_apid"])
	})

	t.Run("by apid and ctid", func(t *testing.T) {
		msgs, err := tr.QueryArchive(context.Background(), transport.ArchiveQuery{APID: "APP1", CTID: "CTX2"})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte("speed=121"), msgs[0].Payload)
	})

	t.Run("limit and offset", func(t *testing.T) {
		msgs, err := tr.QueryArchive(context.Background(), transport.ArchiveQuery{Limit: 1, Offset: 2})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "engine.traces", msgs[0].Topic)
	})

	t.Run("time range excludes the future", func(t *testing.T) {
		msgs, err := tr.QueryArchive(context.Background(), transport.ArchiveQuery{
			Since: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("no match", func(t *testing.T) {
		msgs, err := tr.QueryArchive(context.Background(), transport.ArchiveQuery{APID: "NOPE"})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestTransport_QueryArchive_Disabled(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	msg := message.NewMessage(watermill.NewUUID(), []byte("speed=120"))
	require.NoError(t, tr.Publish("vehicle.traces", msg))

	msgs, err := tr.QueryArchive(context.Background(), transport.ArchiveQuery{Topic: "vehicle.traces"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
