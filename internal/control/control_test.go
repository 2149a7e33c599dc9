package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSocketPath keeps the path under the Unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func startServer(t *testing.T, h Handler) (*Server, *Client) {
	t.Helper()
	path := shortSocketPath(t)
	srv, err := NewServer(path, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, NewClient(path)
}

func TestNewServerRequiresHandler(t *testing.T) {
	_, err := NewServer(shortSocketPath(t), nil, nil)
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	var got Command
	_, client := startServer(t, func(ctx context.Context, cmd Command) (any, error) {
		got = cmd
		return map[string]int{"pending": 3}, nil
	})

	var out map[string]int
	require.NoError(t, client.Call(Command{Type: CmdStatus, TaskID: "t-1"}, &out))
	assert.Equal(t, 3, out["pending"])
	assert.Equal(t, CmdStatus, got.Type)
	assert.Equal(t, "t-1", got.TaskID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestHandlerError(t *testing.T) {
	_, client := startServer(t, func(ctx context.Context, cmd Command) (any, error) {
		return nil, errors.New("task not found")
	})

	resp, err := client.Send(Command{Type: CmdUpdate})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "task not found", resp.Error)

	err = client.Call(Command{Type: CmdUpdate}, nil)
	assert.EqualError(t, err, "task not found")
}

func TestHandlerPanicRecovered(t *testing.T) {
	srv, client := startServer(t, func(ctx context.Context, cmd Command) (any, error) {
		panic("boom")
	})

	resp, err := client.Send(Command{Type: CmdList})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, srv.IsRunning(), "server keeps serving after a panic")
}

func TestStopRemovesSocket(t *testing.T) {
	srv, client := startServer(t, func(ctx context.Context, cmd Command) (any, error) {
		return nil, nil
	})
	_, err := os.Stat(srv.SocketPath())
	require.NoError(t, err)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop(), "second stop is a no-op")
	assert.False(t, srv.IsRunning())

	_, err = os.Stat(srv.SocketPath())
	assert.True(t, os.IsNotExist(err))

	client.SetTimeout(200 * time.Millisecond)
	_, err = client.Send(Command{Type: CmdStatus})
	assert.Error(t, err)
}

func TestStopWaitsForInFlightCommand(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv, client := startServer(t, func(ctx context.Context, cmd Command) (any, error) {
		close(started)
		<-release
		return "done", nil
	})

	result := make(chan string, 1)
	go func() {
		var out string
		_ = client.Call(Command{Type: CmdHealthCheck}, &out)
		result <- out
	}()
	<-started

	stopped := make(chan struct{})
	go func() {
		_ = srv.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a command was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	assert.Equal(t, "done", <-result)
}

func TestNewServerReplacesStaleSocket(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	srv, err := NewServer(path, func(ctx context.Context, cmd Command) (any, error) { return "ok", nil }, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	var out string
	require.NoError(t, NewClient(path).Call(Command{Type: CmdStatus}, &out))
	assert.Equal(t, "ok", out)
}
