package copilot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RPCMessage represents a JSON-RPC 2.0 message as exchanged with the
// language server over stdio. A request has both ID and Method, a
// notification has Method only, and a response has ID with Result or Error.
type RPCMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so server errors can travel through
// normal error chains.
func (e *RPCError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// IsNotification reports whether the message is a notification (no ID).
func (m *RPCMessage) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsRequest reports whether the message is a request expecting a response.
func (m *RPCMessage) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsResponse reports whether the message is a response to an earlier request.
func (m *RPCMessage) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// rawID encodes a numeric request ID for the wire.
func rawID(id uint64) *json.RawMessage {
	raw := json.RawMessage(strconv.FormatUint(id, 10))
	return &raw
}

// readRPCMessage reads one Content-Length framed JSON-RPC message.
func readRPCMessage(reader *bufio.Reader) (*RPCMessage, error) {
	// Read headers
	headers := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			break // End of headers
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid header: %s", line)
		}

		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	contentLengthStr, ok := headers["Content-Length"]
	if !ok {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	contentLength, err := strconv.Atoi(contentLengthStr)
	if err != nil {
		return nil, fmt.Errorf("invalid Content-Length: %w", err)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	var msg RPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &msg, nil
}

// writeRPCMessage writes one Content-Length framed JSON-RPC message.
//
// The caller is responsible for serializing concurrent writes.
func writeRPCMessage(writer io.Writer, msg *RPCMessage) error {
	if msg.JSONRPC == "" {
		msg.JSONRPC = "2.0"
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := writer.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := writer.Write(body); err != nil {
		return err
	}

	return nil
}
