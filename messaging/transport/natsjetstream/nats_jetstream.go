// Package natsjetstream 将事件消息发布到 NATS JetStream
package natsjetstream

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"k1s0/logging"
	"k1s0/messaging"
)

// jetStream is the subset of nats.JetStreamContext used by the publisher.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Config configures the JetStream publisher.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Logger        logging.Logger
	Conn          *nats.Conn

	// 可选：流参数
	Retention         string // limits|interest|workqueue（默认 limits）
	MaxBytes          int64  // 0 表示不设置
	Replicas          int    // 0 表示默认
	MaxMsgsPerSubject int64  // 每主题最大消息数，默认 -1
}

// Publisher implements messaging.IPublisher on top of NATS JetStream.
type Publisher struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       jetStream
	ownsConn bool

	mu      sync.RWMutex
	started bool
}

// NewPublisher builds a JetStream publisher. Start must be called before Publish.
func NewPublisher(cfg Config) *Publisher {
	if cfg.Stream == "" {
		cfg.Stream = "K1S0_SAGA"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "k1s0.saga."
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("messaging.natsjetstream")
	}
	return &Publisher{cfg: cfg, logger: cfg.Logger}
}

// Start connects (unless a Conn was supplied) and makes sure the stream exists.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("nats publisher already started")
	}
	if err := p.ensureConnection(); err != nil {
		return err
	}
	if err := p.ensureStream(); err != nil {
		return err
	}
	p.started = true
	p.logger.Info(ctx, "nats jetstream publisher started",
		logging.String("stream", p.cfg.Stream),
		logging.String("subject_prefix", p.cfg.SubjectPrefix))
	return nil
}

func (p *Publisher) Publish(ctx context.Context, message messaging.IMessage) error {
	p.mu.RLock()
	js := p.js
	started := p.started
	p.mu.RUnlock()
	if !started || js == nil {
		return errors.New("nats publisher not started")
	}
	data, err := messaging.Marshal(message)
	if err != nil {
		return err
	}
	_, err = js.Publish(p.subjectName(message.GetType()), data, nats.Context(ctx), nats.MsgId(message.GetID()))
	return err
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	if p.ownsConn && p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.js = nil
	return nil
}

func (p *Publisher) ensureConnection() error {
	if p.js != nil {
		return nil
	}
	if p.cfg.Conn != nil {
		p.conn = p.cfg.Conn
	} else {
		if p.cfg.URL == "" {
			p.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(p.cfg.URL)
		if err != nil {
			return err
		}
		p.conn = conn
		p.ownsConn = true
	}
	js, err := p.conn.JetStream()
	if err != nil {
		return err
	}
	p.js = js
	return nil
}

func (p *Publisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.LimitsPolicy
	switch strings.ToLower(p.cfg.Retention) {
	case "workqueue":
		retention = nats.WorkQueuePolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:              p.cfg.Stream,
		Subjects:          []string{p.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
	}
	if p.cfg.MaxMsgsPerSubject != 0 {
		sc.MaxMsgsPerSubject = p.cfg.MaxMsgsPerSubject
	}
	if p.cfg.MaxBytes > 0 {
		sc.MaxBytes = p.cfg.MaxBytes
	}
	if p.cfg.Replicas > 0 {
		sc.Replicas = p.cfg.Replicas
	}
	_, err = p.js.AddStream(sc)
	return err
}

func (p *Publisher) subjectName(messageType string) string {
	return p.cfg.SubjectPrefix + messageType
}
