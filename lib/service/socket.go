// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/graft-framework/graft/lib/codec"
)

// ActionFunc processes a socket request for a specific action. The
// raw parameter is the full CBOR request (including the "action"
// field); the handler decodes action-specific fields from it. caller
// is the connecting process's kernel-verified identity.
//
// Return a value to include in the success response, or an error for
// a failure response. A nil value yields {ok: true}; otherwise the
// value is marshaled as CBOR into the response's "data" field. A
// *FileResult additionally attaches its descriptors to the response
// message.
type ActionFunc func(ctx context.Context, caller Caller, raw []byte) (any, error)

// Response is the wire-format envelope for all socket protocol
// responses.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
	// Files is the number of descriptors attached to this response
	// via SCM_RIGHTS, in attachment order.
	Files int `cbor:"files,omitempty"`
}

// FileResult carries a CBOR-encodable payload plus open files to hand
// to the caller. Receivers own the transferred descriptors. After the
// response is sent the server runs Close when set, otherwise it
// closes Files; set Close when Files are borrowed from a longer-lived
// owner that must not lose them.
type FileResult struct {
	Data  any
	Files []*os.File
	Close func()
}

// SocketServer serves the daemon's CBOR protocol on a Unix socket.
// Each connection handles exactly one request-response cycle. Actions
// are registered with Handle before calling Serve; unknown actions
// receive an error response.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	// activeConnections tracks in-flight request handlers for
	// graceful shutdown. Serve waits for all active connections to
	// complete before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
// Register actions with Handle before calling Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve starts accepting connections on the Unix socket and
// dispatches requests to registered action handlers. Blocks until ctx
// is cancelled, then stops accepting new connections and waits for
// active handlers to complete.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath)

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its request.
// A well-behaved client sends the request immediately after
// connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request. The
// largest legitimate request is a preference batch, which the prefs
// layer already caps per value.
const maxRequestSize = 4 * 1024 * 1024

// handleConnection processes one request-response cycle.
func (s *SocketServer) handleConnection(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	caller, err := peerCredentials(conn)
	if err != nil {
		s.logger.Warn("rejecting connection without credentials", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Decode one CBOR value from the connection. CBOR is self-
	// delimiting so no framing protocol is needed. LimitReader
	// prevents a malicious client from exhausting memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	// Extract the action field for routing.
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, caller, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"caller_uid", caller.UID,
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}

	s.writeSuccess(conn, result)
}

// writeError sends a failure response: {ok: false, error: "..."}.
// Write failures are logged at debug level: the connection is closing
// regardless, and the caller has already received the error.
func (s *SocketServer) writeError(conn *net.UnixConn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends a success response. A *FileResult sends its
// payload with the descriptors attached to the same message.
func (s *SocketServer) writeSuccess(conn *net.UnixConn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	var files []*os.File
	if fr, ok := result.(*FileResult); ok {
		files = fr.Files
		result = fr.Data
		response.Files = len(files)
		cleanup := fr.Close
		if cleanup == nil {
			cleanup = func() {
				for _, file := range files {
					file.Close()
				}
			}
		}
		defer cleanup()
	}

	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	encoded, err := codec.Marshal(response)
	if err != nil {
		s.logger.Debug("failed to encode response", "error", err)
		return
	}

	if len(files) == 0 {
		if _, err := conn.Write(encoded); err != nil {
			s.logger.Debug("failed to write response", "error", err)
		}
		return
	}

	fds := make([]int, len(files))
	for i, file := range files {
		fds[i] = int(file.Fd())
	}
	if _, _, err := conn.WriteMsgUnix(encoded, unix.UnixRights(fds...), nil); err != nil {
		s.logger.Debug("failed to write response with files", "error", err)
	}
}
