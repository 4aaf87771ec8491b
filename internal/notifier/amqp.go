package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	logx "halftimebot/pkg/logx"
)

type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// AMQPSender publishes messages as JSON to a topic exchange. The connection
// is opened lazily and dropped on any publish error, so the next attempt
// redials.
type AMQPSender struct {
	cfg AMQPConfig
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSender(cfg AMQPConfig, log logx.Logger) (*AMQPSender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "halftimebot.picks"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AMQPSender{cfg: cfg, log: log.With(logx.String("sender", "amqp"))}, nil
}

func (a *AMQPSender) Name() string { return "amqp" }

func (a *AMQPSender) connectLocked() error {
	conn, err := amqp.DialConfig(a.cfg.URL, amqp.Config{
		Heartbeat: 30 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if a.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("declare exchange %s: %w", a.cfg.Exchange, err)
		}
	}
	a.conn, a.ch = conn, ch
	a.log.Info("amqp connected", logx.String("exchange", a.cfg.Exchange))
	return nil
}

func (a *AMQPSender) closeLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.ch, a.conn = nil, nil
}

func (a *AMQPSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		if err := a.connectLocked(); err != nil {
			return err
		}
	}
	err = a.ch.Publish(a.cfg.Exchange, a.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Timestamp:    m.At,
		Type:         m.Subject,
		Body:         body,
	})
	if err != nil {
		a.closeLocked()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (a *AMQPSender) Close() error {
	a.mu.Lock()
	a.closeLocked()
	a.mu.Unlock()
	return nil
}
