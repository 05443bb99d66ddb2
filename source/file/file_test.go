package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/dltstream/internal/runtime/logging"
	"github.com/drblury/dltstream/internal/stream"
	"github.com/drblury/dltstream/source"
)

type testConfig struct {
	path   string
	follow bool
}

func (c testConfig) GetSourceSystem() string      { return SourceName }
func (c testConfig) GetTCPAddress() string        { return "" }
func (c testConfig) GetDialTimeout() int          { return 0 }
func (c testConfig) GetReconnectMaxInterval() int { return 0 }
func (c testConfig) GetInputFile() string         { return c.path }
func (c testConfig) GetFollowInput() bool         { return c.follow }

func TestBuildRequiresPath(t *testing.T) {
	_, err := Build(context.Background(), testConfig{}, logging.NewNopServiceLogger())
	require.Error(t, err)
}

func TestSourceIsRegistered(t *testing.T) {
	require.True(t, source.DefaultRegistry.Has(SourceName))
}

func TestFramingIsStorage(t *testing.T) {
	require.Equal(t, stream.FramingStorage, (&Source{}).Framing())
}

func TestOpenReadsWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.dlt")
	require.NoError(t, os.WriteFile(path, []byte("frame bytes"), 0o644))

	src, err := Build(context.Background(), testConfig{path: path}, logging.NewNopServiceLogger())
	require.NoError(t, err)

	rc, err := src.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "frame bytes", string(got))
}

func TestOpenMissingFile(t *testing.T) {
	src, err := Build(context.Background(), testConfig{path: filepath.Join(t.TempDir(), "absent.dlt")}, logging.NewNopServiceLogger())
	require.NoError(t, err)

	_, err = src.Open(context.Background())
	require.Error(t, err)
}

func TestFollowPicksUpAppendedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.dlt")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o644))

	src, err := Build(context.Background(), testConfig{path: path, follow: true}, logging.NewNopServiceLogger())
	require.NoError(t, err)

	rc, err := src.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	require.Equal(t, "first", string(buf))

	done := make(chan string, 1)
	go func() {
		more := make([]byte, 6)
		if _, err := io.ReadFull(rc, more); err != nil {
			done <- err.Error()
			return
		}
		done <- string(more)
	}()

	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case got := <-done:
		require.Equal(t, "second", got)
	case <-time.After(5 * time.Second):
		t.Fatal("follower never saw appended data")
	}
}

func TestFollowCloseUnblocksRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.dlt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	src, err := Build(context.Background(), testConfig{path: path, follow: true}, logging.NewNopServiceLogger())
	require.NoError(t, err)

	rc, err := src.Open(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := rc.Read(make([]byte, 16))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rc.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}

func TestFollowStopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.dlt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	src, err := Build(ctx, testConfig{path: path, follow: true}, logging.NewNopServiceLogger())
	require.NoError(t, err)

	rc, err := src.Open(ctx)
	require.NoError(t, err)
	defer rc.Close()

	cancel()
	_, err = rc.Read(make([]byte, 16))
	require.ErrorIs(t, err, io.EOF)
}
