package model

import (
	"encoding/json"
)

const (
	OutboxPending = "PENDING"
	OutboxSent    = "SENT"
)

// NewOutboxMessage 序列化 payload 并构造待投递消息
func NewOutboxMessage(topic, key string, payload interface{}) (*OutboxMessage, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &OutboxMessage{
		Topic:   topic,
		Key:     key,
		Payload: payloadBytes,
		Status:  OutboxPending,
	}, nil
}
