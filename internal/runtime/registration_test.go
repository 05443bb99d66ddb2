package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	dltpkg "github.com/drblury/dltstream/internal/dlt"
	filterpkg "github.com/drblury/dltstream/internal/filter"
	configpkg "github.com/drblury/dltstream/internal/runtime/config"
	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
)

func TestRegisterHandlerValidatesInputs(t *testing.T) {
	handler := func(context.Context, *dltpkg.Message) error { return nil }

	if err := RegisterHandler(context.Background(), nil, HandlerRegistration{Name: "h", Handler: handler}); !errors.Is(err, errspkg.ErrBrokerRequired) {
		t.Fatalf("expected broker required, got %v", err)
	}

	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{})
	if err := RegisterHandler(context.Background(), b, HandlerRegistration{Name: "h"}); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected handler required, got %v", err)
	}
	if err := RegisterHandler(context.Background(), b, HandlerRegistration{Handler: handler}); !errors.Is(err, errspkg.ErrHandlerNameRequired) {
		t.Fatalf("expected handler name required, got %v", err)
	}
}

func TestRegisterHandlerReceivesMatchingMessages(t *testing.T) {
	data := encodeStorageFrames(t,
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("match")),
		dltpkg.NewVerbose("ECU1", "OTHR", "CTX9", dltpkg.StringArg("skip")),
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("match")),
	)

	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{Source: newByteSource(data)})

	var handled atomic.Int64
	err := RegisterHandler(context.Background(), b, HandlerRegistration{
		Name:   "matcher",
		Filter: filterpkg.Predicate{{AppID: "APP1", ContextID: "CTX1"}},
		Handler: func(ctx context.Context, msg *dltpkg.Message) error {
			if msg.AppID() != "APP1" {
				t.Errorf("handler received unmatched message %s", msg)
			}
			handled.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-b.Done()

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 handled messages, got %d", handled.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	infos := b.Handlers()
	if len(infos) != 1 || infos[0].Name != "matcher" {
		t.Fatalf("unexpected handler snapshot: %+v", infos)
	}

	stats := infos[0].Stats
	stats.mu.Lock()
	processed := stats.MessagesProcessed
	failed := stats.MessagesFailed
	stats.mu.Unlock()
	if processed != 2 || failed != 0 {
		t.Fatalf("processed=%d failed=%d, want 2/0", processed, failed)
	}
}

func TestRegisterHandlerCountsFailures(t *testing.T) {
	data := encodeStorageFrames(t,
		dltpkg.NewVerbose("ECU1", "APP1", "CTX1", dltpkg.StringArg("boom")),
	)

	b := newTestBroker(t, &configpkg.Config{}, BrokerDependencies{Source: newByteSource(data)})

	err := RegisterHandler(context.Background(), b, HandlerRegistration{
		Name:   "failing",
		Filter: filterpkg.MatchAll,
		Handler: func(context.Context, *dltpkg.Message) error {
			return errors.New("handler exploded")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-b.Done()

	stats := b.Handlers()[0].Stats
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats.mu.Lock()
		failed := stats.MessagesFailed
		lastErr := stats.Errors.LastError
		stats.mu.Unlock()
		if failed == 1 {
			if lastErr == "" {
				t.Fatal("expected last error to be recorded")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 failed message, got %d", failed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStorageLagMillis(t *testing.T) {
	msg := dltpkg.NewVerbose("ECU1", "APP1", "CTX1")
	if got := storageLagMillis(msg); got != -1 {
		t.Fatalf("expected -1 without a storage header, got %d", got)
	}

	msg.AddStorageHeader(time.Now().Add(-time.Second), "ECU1")
	if got := storageLagMillis(msg); got < 900 {
		t.Fatalf("expected roughly a second of lag, got %dms", got)
	}
}
