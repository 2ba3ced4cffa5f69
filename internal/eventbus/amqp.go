package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

// AMQPConfig configures forwarding of bus events to a RabbitMQ topic
// exchange. The routing key is the event type.
type AMQPConfig struct {
	URL      string
	Exchange string
	// Types limits forwarding to these event types; empty forwards all.
	Types []string
}

// AMQPForwarder publishes bus events to an exchange for out-of-process
// consumers (dashboards, an external delivery engine).
type AMQPForwarder struct {
	cfg AMQPConfig
	bus Bus
	log logx.Logger

	dial func(url string) (*amqp.Connection, error)
}

func NewAMQPForwarder(cfg AMQPConfig, bus Bus, log logx.Logger) *AMQPForwarder {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = "timelith.events"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AMQPForwarder{cfg: cfg, bus: bus, log: log, dial: amqp.Dial}
}

func (f *AMQPForwarder) wants(typ string) bool {
	if len(f.cfg.Types) == 0 {
		return true
	}
	for _, t := range f.cfg.Types {
		if t == typ {
			return true
		}
	}
	return false
}

// Run forwards events until ctx is done. It returns an error when the
// broker connection drops so a supervisor can restart it with backoff.
func (f *AMQPForwarder) Run(ctx context.Context) error {
	if strings.TrimSpace(f.cfg.URL) == "" {
		return errors.New("amqp url is empty")
	}
	conn, err := f.dial(f.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(f.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	events, unsubscribe := f.bus.Subscribe(256)
	defer unsubscribe()

	f.log.Info("amqp forwarder connected", logx.String("exchange", f.cfg.Exchange))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !f.wants(e.Type) {
				continue
			}
			body, err := json.Marshal(e)
			if err != nil {
				f.log.Warn("event encode failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			err = ch.Publish(f.cfg.Exchange, e.Type, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    uuid.New().String(),
				Timestamp:    e.Time,
				Type:         e.Type,
				Body:         body,
			})
			if err != nil {
				return fmt.Errorf("amqp publish: %w", err)
			}
		}
	}
}
