// Package control exposes a running watcher over a Unix domain socket so
// executors and the CLI can claim and settle tasks without a second writer
// touching the queue store.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Command types understood by the watcher.
const (
	CmdStatus      = "status"
	CmdList        = "list"
	CmdNext        = "next"
	CmdUpdate      = "update"
	CmdEnqueue     = "enqueue"
	CmdAnalyze     = "analyze"
	CmdHealthCheck = "healthcheck"
	CmdLogLine     = "log_line"
	CmdTestOutput  = "test_output"
	CmdPushOutput  = "push_output"
)

// Command is one request sent to the watcher. Fields not used by a command
// type are left empty.
type Command struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Claim       bool      `json:"claim,omitempty"`
	Text        string    `json:"text,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	AnomalyType string    `json:"anomaly_type,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Response answers a Command. Data holds the command-specific result.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if !r.Success {
		return errors.New(r.Error)
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Handler executes a command and returns a JSON-encodable result.
type Handler func(ctx context.Context, cmd Command) (any, error)

const (
	acceptPoll  = time.Second
	readTimeout = 5 * time.Second
)

// Server manages the control socket
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	mu       sync.Mutex
	listener *net.UnixListener
	started  bool
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	conns    sync.WaitGroup
}

// NewServer prepares a server on socketPath, removing a socket left by a
// crashed process.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger.With("component", "control"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins accepting commands. Handlers receive a context derived
// from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("control server already started")
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to create control socket: %w", err)
	}
	s.listener = listener
	s.started = true
	s.logger.Info("control server listening", "socket", s.socketPath)

	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// Wake up periodically to notice ctx cancellation.
		if err := s.listener.SetDeadline(time.Now().Add(acceptPoll)); err != nil {
			s.logger.Warn("failed to set accept deadline", "error", err)
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		s.logger.Warn("failed to set read deadline", "error", err)
		return
	}
	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		s.send(conn, errorResponse(fmt.Sprintf("failed to decode command: %v", err)))
		return
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	// Long commands such as healthcheck must not hit the read deadline
	// while the response is written.
	_ = conn.SetDeadline(time.Time{})

	s.send(conn, s.dispatch(ctx, cmd))
}

func (s *Server) dispatch(ctx context.Context, cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control handler panicked", "type", cmd.Type, "panic", r)
			resp = errorResponse(fmt.Sprintf("command %s panicked", cmd.Type))
		}
	}()

	result, err := s.handler(ctx, cmd)
	if err != nil {
		s.logger.Debug("control command failed", "type", cmd.Type, "error", err)
		return Response{
			Success: false,
			Message: fmt.Sprintf("Command failed: %v", err),
			Error:   err.Error(),
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to encode result: %v", err))
	}
	return Response{
		Success: true,
		Message: fmt.Sprintf("Command '%s' completed successfully", cmd.Type),
		Data:    data,
	}
}

func errorResponse(message string) Response {
	return Response{Success: false, Message: message, Error: message}
}

func (s *Server) send(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("failed to send response", "error", err)
	}
}

// Stop closes the socket and waits for in-flight commands. It is safe to
// call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	listener := s.listener
	s.mu.Unlock()

	err := listener.Close()
	select {
	case <-s.doneCh:
	case <-time.After(2 * acceptPoll):
		s.logger.Warn("timed out waiting for accept loop")
	}
	s.conns.Wait()

	if rmErr := os.RemoveAll(s.socketPath); rmErr != nil {
		s.logger.Warn("failed to remove socket file", "error", rmErr)
	}
	s.logger.Info("control server stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close control socket: %w", err)
	}
	return nil
}

// IsRunning reports whether the server has started and not been stopped
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// SocketPath returns the path to the control socket
func (s *Server) SocketPath() string {
	return s.socketPath
}
