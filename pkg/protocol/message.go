package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MsgConnected MessageType = "connected"
	MsgError     MessageType = "error"
	MsgAck       MessageType = "ack"
	MsgPing      MessageType = "ping"
	MsgPong      MessageType = "pong"

	MsgStartMarathon     MessageType = "start-marathon"
	MsgTimeUpdate        MessageType = "time-update"
	MsgTimeUp            MessageType = "time-up"
	MsgSaveAnswer        MessageType = "save-answer"
	MsgAnswerSaved       MessageType = "answer-saved"
	MsgChangeQuestion    MessageType = "change-question"
	MsgCompleteMarathon  MessageType = "complete-marathon"
	MsgMarathonCompleted MessageType = "marathon-completed"

	MsgLeaderboardGenerated MessageType = "leaderboard-generated"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	return NewMessageWithRequestID(msgType, payload, "")
}

func NewMessageWithRequestID(msgType MessageType, payload interface{}, requestID string) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

func NewErrorMessage(code, message, requestID string) (*Message, error) {
	return NewMessageWithRequestID(MsgError, ErrorPayload{Code: code, Message: message}, requestID)
}

func NewAck(data interface{}, requestID string) (*Message, error) {
	return NewMessageWithRequestID(MsgAck, AckPayload{Success: true, Data: data}, requestID)
}

func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}
	return &msg, nil
}

func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePayload unmarshals the payload into v. A missing payload is an error.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: payload is required", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}
