// Package uds is the local control channel between the conductor CLI and a
// running daemon: length-prefixed JSON frames over a Unix socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/msageha/conductor/internal/model"
)

const ProtocolVersion = 1

// SocketName is the default socket filename next to the state file.
const SocketName = "conductor.sock"

const maxFrameBytes = 10 * 1024 * 1024

// Commands understood by the daemon.
const (
	CommandPing     = "ping"
	CommandHealth   = "health"
	CommandList     = "list"
	CommandCancel   = "cancel"
	CommandShutdown = "shutdown"
)

// Error codes that are not orchestrator error kinds.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeBadParams        = "BAD_PARAMS"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListParams filters the list command.
type ListParams struct {
	Status model.Status `json:"status,omitempty"`
}

// CancelParams names the task to cancel.
type CancelParams struct {
	TaskID string `json:"task_id"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(string(model.KindInternal), fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// ErrorFrom encodes err with its orchestrator kind as the code.
func ErrorFrom(err error) *Response {
	return ErrorResponse(string(model.KindOf(err)), err.Error())
}

// Err converts a failed response back into a typed error.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return model.NewError(model.KindInternal, "daemon returned failure without detail")
	}
	return model.NewError(model.ErrorKind(r.Error.Code), r.Error.Message)
}

// WriteFrame writes [4-byte big-endian length][JSON payload].
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
