// Package redisstreams 将事件消息以 XADD 写入 Redis Streams
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"k1s0/logging"
	"k1s0/messaging"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Config describes how the Redis Streams publisher should connect/behave.
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	MaxLen       int64 // 近似裁剪长度，0 表示不裁剪
	Logger       logging.Logger

	MaxPublishConcurrency int // 限制同时进行的 XADD 数，0 表示不限制
}

// Publisher is a messaging.IPublisher backed by Redis Streams.
//
// 每种消息类型写入独立的 stream：StreamPrefix + type。
type Publisher struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	pubSem chan struct{}
}

// NewPublisher constructs a Redis Streams publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "k1s0:saga:"
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis address not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("messaging.redisstreams")
	}

	p := &Publisher{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
	}
	if cfg.MaxPublishConcurrency > 0 {
		p.pubSem = make(chan struct{}, cfg.MaxPublishConcurrency)
	}
	return p, nil
}

// Publish writes a single message into the stream of its type.
func (p *Publisher) Publish(ctx context.Context, message messaging.IMessage) error {
	if p.pubSem != nil {
		select {
		case p.pubSem <- struct{}{}:
			defer func() { <-p.pubSem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	values, err := encodeMessage(message)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: p.streamName(message.GetType()), Values: values}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Debug(ctx, "redis xadd failed",
			logging.String("stream", args.Stream), logging.Error(err))
		return err
	}
	return nil
}

// Close releases the client when the publisher created it.
func (p *Publisher) Close() error {
	if p.ownClient {
		return p.client.Close()
	}
	return nil
}

func (p *Publisher) streamName(messageType string) string {
	return p.cfg.StreamPrefix + messageType
}

func encodeMessage(msg messaging.IMessage) (map[string]any, error) {
	env, err := messaging.ToEnvelope(msg)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalMetadata(env.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        env.ID,
		"type":      env.Type,
		"timestamp": env.Timestamp,
		"payload":   string(env.Payload),
		"metadata":  metadata,
	}, nil
}

func marshalMetadata(md map[string]any) (string, error) {
	data, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
