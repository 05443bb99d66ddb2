package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	dltpkg "github.com/drblury/dltstream/internal/dlt"
	filterpkg "github.com/drblury/dltstream/internal/filter"
	configpkg "github.com/drblury/dltstream/internal/runtime/config"
	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
	loggingpkg "github.com/drblury/dltstream/internal/runtime/logging"
	streampkg "github.com/drblury/dltstream/internal/stream"
	"github.com/drblury/dltstream/source/reader"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// encodeStorageFrames renders the messages as a storage-framed byte
// stream, the same shape a trace file has.
func encodeStorageFrames(t *testing.T, msgs ...*dltpkg.Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	at := time.Unix(1700000000, 0)
	for _, m := range msgs {
		m.AddStorageHeader(at, "ECU1")
		framed, err := dltpkg.Encode(m)
		if err != nil {
			t.Fatalf("encode frame: %v", err)
		}
		buf.Write(framed)
	}
	return buf.Bytes()
}

func newByteSource(data []byte) *reader.Source {
	return reader.New(bytes.NewReader(data), reader.WithFraming(streampkg.FramingStorage))
}

func newTestBroker(t *testing.T, conf *configpkg.Config, deps BrokerDependencies) *Broker {
	t.Helper()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	b, err := NewBroker(conf, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	return b
}

func TestNewBrokerValidatesInputs(t *testing.T) {
	if _, err := NewBroker(nil, newTestLogger(), context.Background(), BrokerDependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected config required, got %v", err)
	}
	if _, err := NewBroker(&configpkg.Config{}, nil, context.Background(), BrokerDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected logger required, got %v", err)
	}

	bad := &configpkg.Config{SourceSystem: "tcp"}
	_, err := NewBroker(bad, newTestLogger(), context.Background(), BrokerDependencies{})
	var vErr errspkg.ConfigValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBrokerLifecycle(t *testing.T) {
	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{})

	if b.State() != StateCreated {
		t.Fatalf("expected created, got %v", b.State())
	}
	// No source configured and none injected.
	if err := b.Start(context.Background()); !errors.Is(err, errspkg.ErrSourceRequired) {
		t.Fatalf("expected source required, got %v", err)
	}
}

func TestBrokerStopWithoutStart(t *testing.T) {
	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{})

	if err := b.Stop(); err != nil {
		t.Fatalf("stop on a created broker must be a no-op, got %v", err)
	}
	if b.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", b.State())
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("stop must stay idempotent, got %v", err)
	}
}

func TestBrokerIngestsAndDispatches(t *testing.T) {
	data := encodeStorageFrames(t,
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("hello")),
		dltpkg.NewVerbose("ECU1", "APP2", "CTX2", dltpkg.StringArg("other")),
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("world")),
	)

	dir := t.TempDir()
	conf := &configpkg.Config{TraceFile: filepath.Join(dir, "out.dlt")}
	b := newTestBroker(t, conf, BrokerDependencies{Source: newByteSource(data)})

	sub, err := b.Subscribe(filterpkg.Predicate{{AppID: "APP1", ContextID: "CTX1"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	all, err := b.Subscribe(filterpkg.MatchAll)
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, errspkg.ErrAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}

	msgs, err := sub.WaitFor(2, 2*time.Second)
	if err != nil && !errors.Is(err, errspkg.ErrSubscriptionClosed) {
		t.Fatalf("wait: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 filtered messages, got %d", len(msgs))
	}
	if got := msgs[0].PayloadText(); got != "hello" {
		t.Fatalf("unexpected payload: %q", got)
	}

	allMsgs, err := all.WaitFor(3, 2*time.Second)
	if err != nil && !errors.Is(err, errspkg.ErrSubscriptionClosed) {
		t.Fatalf("wait all: %v", err)
	}
	if len(allMsgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(allMsgs))
	}

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not finish after end of stream")
	}

	// End of stream triggers a stop, which flushes the trace file.
	deadline := time.Now().Add(2 * time.Second)
	for b.State() != StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("broker did not stop, state %v", b.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	info, err := os.Stat(conf.TraceFile)
	if err != nil {
		t.Fatalf("trace file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected trace file to contain frames")
	}

	if ts, ok := b.LatestTimestamp(); !ok || ts.IsZero() {
		t.Fatal("expected a latest timestamp after ingesting")
	}

	snap := b.Metrics().GetSnapshot()
	if snap.Frames != 3 {
		t.Fatalf("expected 3 frames, got %d", snap.Frames)
	}
}

func TestBrokerSkipsMessagesWithoutIdentifiers(t *testing.T) {
	data := encodeStorageFrames(t,
		dltpkg.NewVerbose("ECU1", "", "", dltpkg.StringArg("anonymous")),
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("named")),
	)

	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{Source: newByteSource(data)})
	all, err := b.Subscribe(filterpkg.MatchAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs, err := all.WaitFor(1, 2*time.Second)
	if err != nil && !errors.Is(err, errspkg.ErrSubscriptionClosed) {
		t.Fatalf("wait: %v", err)
	}
	if len(msgs) != 1 || msgs[0].AppID() != "APP1" {
		t.Fatalf("expected only the identified message, got %d", len(msgs))
	}

	<-b.Done()
	snap := b.Metrics().GetSnapshot()
	if snap.Skipped != 1 {
		t.Fatalf("expected 1 skipped message, got %d", snap.Skipped)
	}
}

func TestBrokerToleratesLongIdentifierlessRuns(t *testing.T) {
	frames := make([]*dltpkg.Message, 0, maxBadStreak+2)
	for i := 0; i < maxBadStreak+1; i++ {
		frames = append(frames, dltpkg.NewVerbose("ECU1", "", "", dltpkg.StringArg("anonymous")))
	}
	frames = append(frames, dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("named")))
	data := encodeStorageFrames(t, frames...)

	reconnects := 0
	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{
		Source: newByteSource(data),
		Hooks:  StreamHooks{OnReconnect: func() { reconnects++ }},
	})
	all, err := b.Subscribe(filterpkg.MatchAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs, err := all.WaitFor(1, 2*time.Second)
	if err != nil && !errors.Is(err, errspkg.ErrSubscriptionClosed) {
		t.Fatalf("wait: %v", err)
	}
	if len(msgs) != 1 || msgs[0].AppID() != "APP1" {
		t.Fatalf("expected the identified message, got %d", len(msgs))
	}

	<-b.Done()
	if reconnects != 0 {
		t.Fatalf("identifier-less frames must not restart ingestion, got %d restarts", reconnects)
	}
	if got := b.Metrics().GetSnapshot().Skipped; got != uint64(maxBadStreak+1) {
		t.Fatalf("expected %d skipped messages, got %d", maxBadStreak+1, got)
	}
}

func TestBrokerTracksCountersPerStream(t *testing.T) {
	withCounter := func(m *dltpkg.Message, c uint8) *dltpkg.Message {
		m.Header.Counter = c
		return m
	}

	run := func(t *testing.T, msgs ...*dltpkg.Message) uint64 {
		t.Helper()
		b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{
			Source: newByteSource(encodeStorageFrames(t, msgs...)),
		})
		if err := b.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		<-b.Done()
		return b.Metrics().GetSnapshot().CounterGaps
	}

	t.Run("interleaved streams are independent", func(t *testing.T) {
		// Two senders each count 0,1,2; their interleaving must not
		// look like gaps.
		gaps := run(t,
			withCounter(dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("a0")), 0),
			withCounter(dltpkg.NewVerbose("ECU1", "APP2", "CTX2", dltpkg.StringArg("b0")), 0),
			withCounter(dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("a1")), 1),
			withCounter(dltpkg.NewVerbose("ECU1", "APP2", "CTX2", dltpkg.StringArg("b1")), 1),
			withCounter(dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("a2")), 2),
			withCounter(dltpkg.NewVerbose("ECU1", "APP2", "CTX2", dltpkg.StringArg("b2")), 2),
		)
		if gaps != 0 {
			t.Fatalf("expected no counter gaps across interleaved streams, got %d", gaps)
		}
	})

	t.Run("gap within one stream is flagged", func(t *testing.T) {
		gaps := run(t,
			withCounter(dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("a0")), 0),
			withCounter(dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("a2")), 2),
		)
		if gaps != 1 {
			t.Fatalf("expected one counter gap, got %d", gaps)
		}
	})
}

func TestBrokerTraceFilePreservesInputBytes(t *testing.T) {
	data := encodeStorageFrames(t,
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("hello")),
		dltpkg.NewVerbose("ECU1", "APP2", "CTX2", dltpkg.StringArg("world")),
	)
	// A string whose final byte is not the NUL terminator still decodes,
	// but a re-encode would normalize it. The trace file has to carry
	// the frame exactly as received either way.
	data[len(data)-1] = '!'

	dir := t.TempDir()
	conf := &configpkg.Config{TraceFile: filepath.Join(dir, "out.dlt")}
	b := newTestBroker(t, conf, BrokerDependencies{Source: newByteSource(data)})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-b.Done()
	if err := b.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := os.ReadFile(conf.TraceFile)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("trace file diverged from the received stream: got %d bytes, want %d", len(got), len(data))
	}
}

func TestBrokerCountsTrailingData(t *testing.T) {
	padded := dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("hello"))
	padded.TrailingData = []byte{0xde, 0xad}
	data := encodeStorageFrames(t,
		padded,
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("clean")),
	)

	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{Source: newByteSource(data)})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-b.Done()

	snap := b.Metrics().GetSnapshot()
	if snap.Frames != 2 {
		t.Fatalf("expected both frames decoded, got %d", snap.Frames)
	}
	if snap.TrailingData != 1 {
		t.Fatalf("expected one frame with trailing bytes, got %d", snap.TrailingData)
	}
}

func TestBrokerServesMetricsWithoutEgress(t *testing.T) {
	data := encodeStorageFrames(t,
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("hello")),
	)
	conf := &configpkg.Config{MetricsEnabled: true, MetricsPort: 19157}
	b := newTestBroker(t, conf, BrokerDependencies{Source: newByteSource(data)})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-b.Done()

	b.httpServersMu.Lock()
	mux := b.httpServers[conf.MetricsPort]
	b.httpServersMu.Unlock()
	if mux == nil {
		t.Fatal("expected a metrics mux even with no egress configured")
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dltstream_stream_frames_total") {
		t.Fatalf("scrape output is missing the stream counters:\n%s", rec.Body.String())
	}
}

func TestBrokerStatusSnapshot(t *testing.T) {
	b := newTestBroker(t, &configpkg.Config{SourceSystem: "file", InputFile: "in.dlt"}, BrokerDependencies{})

	if _, err := b.Subscribe(filterpkg.Predicate{{AppID: "APP1"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	status := b.Status()
	if status.State != "created" {
		t.Fatalf("unexpected state: %q", status.State)
	}
	if status.SourceSystem != "file" {
		t.Fatalf("unexpected source system: %q", status.SourceSystem)
	}
	if status.Subscriptions != 1 {
		t.Fatalf("expected 1 subscription, got %d", status.Subscriptions)
	}
	if status.StorageDegraded {
		t.Fatal("expected storage to be healthy")
	}
}

func TestBrokerHooksObserveMessages(t *testing.T) {
	data := encodeStorageFrames(t,
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("hi")),
	)

	var seen []string
	hooks := StreamHooks{
		OnMessage: func(m *dltpkg.Message) {
			seen = append(seen, m.AppID())
		},
	}

	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{
		Source: newByteSource(data),
		Hooks:  hooks,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-b.Done()

	if len(seen) != 1 || seen[0] != "APP1" {
		t.Fatalf("expected hook to see APP1, got %v", seen)
	}
}

func TestDecodeErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&dltpkg.DecodeError{Kind: dltpkg.ErrTruncatedFrame}, "truncated"},
		{&dltpkg.DecodeError{Kind: dltpkg.ErrUnknownVersion}, "version"},
		{&dltpkg.DecodeError{Kind: dltpkg.ErrMalformedArgument}, "argument"},
		{errors.New("anything"), "other"},
	}
	for _, tc := range cases {
		if got := decodeErrorKind(tc.err); got != tc.want {
			t.Fatalf("decodeErrorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestSubscribeBufferedSetsQueueCapacity(t *testing.T) {
	dir := t.TempDir()
	conf := &configpkg.Config{TraceFile: filepath.Join(dir, "out.dlt"), QueueSize: 64}
	b := newTestBroker(t, conf, BrokerDependencies{Source: newByteSource(nil)})

	small, err := b.SubscribeBuffered(filterpkg.MatchAll, 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := cap(small.Messages()); got != 2 {
		t.Fatalf("expected capacity 2, got %d", got)
	}

	def, err := b.SubscribeBuffered(filterpkg.MatchAll, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := cap(def.Messages()); got != 64 {
		t.Fatalf("expected config capacity 64, got %d", got)
	}
}
