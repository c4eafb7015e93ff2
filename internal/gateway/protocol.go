package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types exchanged between controller and nodes. Any other type sent
// by the controller is a command envelope.
const (
	MsgConnect         = "connect"
	MsgConnectionAck   = "connection.ack"
	MsgNodeRegister    = "node.register"
	MsgNodeRegisterAck = "node.register.ack"
	MsgHeartbeat       = "telemetry.heartbeat"
	MsgMetrics         = "telemetry.metrics"
	MsgCommandAck      = "command.ack"
	MsgCommandProgress = "command.progress"
	MsgCommandResult   = "command.result"
	MsgAdmin           = "admin.broadcast"
)

// Ack and result status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusFailure = "failure"
)

// Priority values carried in command metadata.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message is the envelope for every frame on a node channel.
type Message struct {
	Type      string                 `json:"type"`
	MessageID string                 `json:"messageId"`
	Timestamp time.Time              `json:"timestamp"`
	Resource  *model.Resource        `json:"resource,omitempty"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Metadata  *model.CommandMetadata `json:"metadata,omitempty"`
}

// ConnectData is sent by a node as its first frame.
type ConnectData struct {
	Token  string `json:"token"`
	NodeID string `json:"nodeId,omitempty"`
}

// ConnectionAck answers a connect frame.
type ConnectionAck struct {
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	NodeID       string    `json:"nodeId,omitempty"`
	ControllerID string    `json:"controllerId,omitempty"`
	ServerTime   time.Time `json:"serverTime"`
}

// RegisterAck answers a node.register frame.
type RegisterAck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CommandAckData is the body of a command.ack frame.
type CommandAckData struct {
	OriginalMessageID string `json:"originalMessageId"`
}

// CommandProgressData is the body of a command.progress frame.
type CommandProgressData struct {
	OriginalMessageID string `json:"originalMessageId"`
	Progress          int    `json:"progress"`
	Message           string `json:"message,omitempty"`
}

// ResultError is the error reported by a node in a failed command.result.
type ResultError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// CommandResultData is the body of a command.result frame.
type CommandResultData struct {
	OriginalMessageID string          `json:"originalMessageId"`
	Status            string          `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *ResultError    `json:"error,omitempty"`
	Progress          *int            `json:"progress,omitempty"`
}

// NewMessage builds an envelope with a fresh message id. data is marshalled
// into Data unless it is nil.
func NewMessage(msgType string, data any) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Type, err)
	}
	return nil
}

// IsCommand reports whether a controller-originated message is a command envelope.
func IsCommand(msgType string) bool {
	switch msgType {
	case MsgConnectionAck, MsgNodeRegisterAck, MsgAdmin:
		return false
	}
	return true
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
