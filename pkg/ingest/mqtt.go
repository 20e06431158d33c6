package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	// Broker address, e.g. "tcp://broker:1883".
	Broker   string
	Username string
	Password string

	// Topics subscribed to. Defaults to "#".
	Topics []string
	QoS    byte

	ClientIDPrefix string
	KeepAlive      uint16

	// Reconnect backoff bounds.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if len(c.Topics) == 0 {
		c.Topics = []string{"#"}
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "rollupd"
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// MessageHandler consumes one bus message. *Writer implements it through
// HandleJSON.
type MessageHandler interface {
	HandleJSON(ctx context.Context, topic string, raw []byte, opts ...HandleOption) (Result, error)
}

// Subscriber feeds bus messages to a handler and reconnects on failure.
type Subscriber struct {
	cfg     MQTTConfig
	handler MessageHandler
	log     *zap.Logger
}

// NewSubscriber creates a subscriber.
func NewSubscriber(cfg MQTTConfig, handler MessageHandler, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{cfg: cfg.withDefaults(), handler: handler, log: log.Named("mqtt")}
}

// Run keeps a session open until ctx is done. It returns nil on shutdown.
func (s *Subscriber) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.MinBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(
		func() error {
			err := s.session(ctx, b)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			s.log.Warn("broker session ended, reconnecting", zap.Duration("backoff", next), zap.Error(err))
		},
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session runs one broker connection. It only returns on failure or
// shutdown.
func (s *Subscriber) session(ctx context.Context, b backoff.BackOff) error {
	u, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("broker url: %w", err))
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}

	failed := make(chan error, 1)
	report := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	clientID := s.cfg.ClientIDPrefix + "-" + uuid.NewString()[:8]
	client := paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: clientID,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.dispatch(ctx, pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) { report(fmt.Errorf("client error: %w", err)) },
		OnServerDisconnect: func(d *paho.Disconnect) {
			report(fmt.Errorf("server disconnected, reason code %d", d.ReasonCode))
		},
	})

	connect := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  s.cfg.KeepAlive,
		CleanStart: true,
	}
	if s.cfg.Username != "" {
		connect.Username = s.cfg.Username
		connect.UsernameFlag = true
		connect.Password = []byte(s.cfg.Password)
		connect.PasswordFlag = true
	}
	ack, err := client.Connect(ctx, connect)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if ack.ReasonCode != 0 {
		return fmt.Errorf("connect refused, reason code %d", ack.ReasonCode)
	}

	subs := make([]paho.SubscribeOptions, 0, len(s.cfg.Topics))
	for _, t := range s.cfg.Topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: s.cfg.QoS})
	}
	if _, err := client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		_ = client.Disconnect(&paho.Disconnect{})
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("connected to broker",
		zap.String("broker", s.cfg.Broker), zap.String("client_id", clientID), zap.Strings("topics", s.cfg.Topics))
	b.Reset()

	select {
	case <-ctx.Done():
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return ctx.Err()
	case err := <-failed:
		_ = client.Disconnect(&paho.Disconnect{})
		return err
	}
}

func (s *Subscriber) dispatch(ctx context.Context, topic string, payload []byte) {
	res, err := s.handler.HandleJSON(ctx, topic, payload)
	if err != nil {
		s.log.Warn("message dropped", zap.String("topic", topic), zap.Stringer("result", res), zap.Error(err))
		return
	}
	s.log.Debug("message handled", zap.String("topic", topic), zap.Stringer("result", res))
}
