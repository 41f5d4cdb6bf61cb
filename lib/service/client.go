// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/graft-framework/graft/lib/codec"
)

// dialTimeout is the maximum time to wait for a connection to the
// daemon socket. This is separate from the server's read/write
// timeouts; it covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for the server to
// send a response after writing the request. Matched to the server's
// readTimeout + writeTimeout to account for handler execution time.
const responseReadTimeout = 45 * time.Second

// maxResponseSize is the maximum size of a single CBOR response.
// Matches the server's maxRequestSize for symmetry.
const maxResponseSize = 4 * 1024 * 1024

// ServiceError is returned by Call when the server responds with
// ok=false. It wraps the server's error message and the action that
// failed.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// Client sends CBOR requests to the daemon socket. Each Call opens a
// new connection (matching the server's one-request-per-connection
// model), sends the request, reads the response, and closes the
// connection. The daemon identifies the caller from the connection's
// peer credentials; there is nothing to configure client-side.
type Client struct {
	socketPath string
}

// NewClient creates a client for the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends a CBOR request and decodes the response.
//
// The fields parameter may contain any handler-specific request
// fields; the client adds "action" automatically. Pass nil for
// actions that take no additional parameters.
//
// On success (response ok=true), if result is non-nil and the
// response contains data, the data is CBOR-decoded into result.
//
// On failure (response ok=false), returns a *ServiceError containing
// the server's error message. Connection and encoding errors are
// returned as plain errors (not *ServiceError).
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	_, err := c.call(ctx, action, fields, result, false)
	return err
}

// CallWithFiles is Call for actions whose response carries open file
// descriptors. The returned files are owned by the caller.
func (c *Client) CallWithFiles(ctx context.Context, action string, fields map[string]any, result any) ([]*os.File, error) {
	return c.call(ctx, action, fields, result, true)
}

func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any, wantFiles bool) ([]*os.File, error) {
	request := buildRequest(action, fields)

	response, files, err := c.send(ctx, request, wantFiles)
	if err != nil {
		return nil, fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		closeAll(files)
		return nil, &ServiceError{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			closeAll(files)
			return nil, fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return files, nil
}

func buildRequest(action string, fields map[string]any) map[string]any {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	return request
}

func closeAll(files []*os.File) {
	for _, file := range files {
		file.Close()
	}
}

// send connects to the socket, writes the request, and reads the
// response. Each call creates a new connection.
func (c *Client) send(ctx context.Context, request any, wantFiles bool) (*Response, []*os.File, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	unixConn := conn.(*net.UnixConn)

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side. CBOR is self-delimiting so this
	// isn't strictly necessary, but it lets the server's read side
	// see EOF cleanly.
	unixConn.CloseWrite()

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))

	if !wantFiles {
		var response Response
		if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
			return nil, nil, fmt.Errorf("reading response: %w", err)
		}
		return &response, nil, nil
	}

	// Descriptor-bearing responses arrive as one sendmsg with the
	// descriptors in the ancillary data, so one recvmsg sees both.
	buf := make([]byte, maxResponseSize)
	oob := make([]byte, unix.CmsgSpace(64*4))
	n, oobn, _, _, err := unixConn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	var response Response
	if err := codec.Unmarshal(buf[:n], &response); err != nil {
		return nil, nil, fmt.Errorf("decoding response: %w", err)
	}

	files, err := parseFiles(oob[:oobn])
	if err != nil {
		closeAll(files)
		return nil, nil, err
	}
	if len(files) != response.Files {
		closeAll(files)
		return nil, nil, fmt.Errorf("expected %d attached files, received %d", response.Files, len(files))
	}
	return &response, files, nil
}

func parseFiles(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control messages: %w", err)
	}
	var files []*os.File
	for _, message := range messages {
		fds, err := unix.ParseUnixRights(&message)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "graftd-fd"))
		}
	}
	return files, nil
}
