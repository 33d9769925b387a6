// Package mqtt publishes detection records to a broker so other devices
// (wearables, loggers, home automation) can react to obstacles.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/demardefrozen10/SENSE/pkg/detection"
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

var ErrNotConnected = errors.New("mqtt: not connected")

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Encoding string
	QoS      byte
	Logger   *slog.Logger
}

// publisher is the part of paho.Client used after connect.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

type Publisher struct {
	cfg    Config
	logger *slog.Logger
	client paho.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

func New(cfg Config) *Publisher {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Connect dials the broker with auto-reconnect enabled.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connected", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost; reconnecting", "broker", p.cfg.Broker, "error", err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(5 * time.Second):
		// SetConnectRetry keeps trying in the background.
		p.logger.Warn("mqtt broker not reachable yet", "broker", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.client = client
	p.pub = client
	return nil
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// Encode renders rec in the configured encoding.
func Encode(encoding string, rec detection.Record) ([]byte, error) {
	switch encoding {
	case EncodingMsgpack:
		return msgpack.Marshal(rec)
	case EncodingJSON, "":
		return json.Marshal(rec)
	default:
		return nil, fmt.Errorf("mqtt: unknown encoding %q", encoding)
	}
}

// Publish sends rec without retaining it. Failures are counted and returned;
// callers treat them as best effort.
func (p *Publisher) Publish(rec detection.Record) error {
	p.mu.RLock()
	connected, pub := p.connected, p.pub
	p.mu.RUnlock()
	if !connected || pub == nil {
		p.countError()
		return ErrNotConnected
	}

	payload, err := Encode(p.cfg.Encoding, rec)
	if err != nil {
		p.countError()
		return err
	}

	token := pub.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return errors.New("mqtt: publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("mqtt publish: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.logger.Debug("detection published", "topic", p.cfg.Topic, "size", len(payload))
	return nil
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
}
