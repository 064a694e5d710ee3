package messaging

import (
	"context"
	"encoding/json"
	"time"
)

// IPublisher 消息发布接口
type IPublisher interface {
	Publish(ctx context.Context, message IMessage) error
	Close() error
}

// NopPublisher 丢弃所有消息
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, IMessage) error { return nil }
func (NopPublisher) Close() error                            { return nil }

// Envelope 消息的线上 JSON 表示，时间戳为 Unix 纳秒
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata"`
}

// Marshal 编码为 Envelope JSON
func Marshal(msg IMessage) ([]byte, error) {
	env, err := ToEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ToEnvelope 将消息转换为线上表示；时间戳缺失时取当前时间
func ToEnvelope(msg IMessage) (Envelope, error) {
	payload, err := json.Marshal(msg.GetPayload())
	if err != nil {
		return Envelope{}, err
	}
	metadata := msg.GetMetadata()
	if metadata == nil {
		metadata = make(map[string]any)
	}
	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		ID:        msg.GetID(),
		Type:      msg.GetType(),
		Timestamp: ts.UnixNano(),
		Payload:   payload,
		Metadata:  metadata,
	}, nil
}

// Unmarshal 解码 Envelope JSON，payload 解码为通用 JSON 值
func Unmarshal(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, err
		}
	}
	if env.Metadata == nil {
		env.Metadata = make(map[string]any)
	}
	return &Message{
		ID:        env.ID,
		Type:      env.Type,
		Timestamp: time.Unix(0, env.Timestamp),
		Payload:   payload,
		Metadata:  env.Metadata,
	}, nil
}
