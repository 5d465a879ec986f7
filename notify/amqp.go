package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/pricewise/affiliate-engine/alerts"
)

// PriceDropRoutingKey is the topic alerts are published under.
const PriceDropRoutingKey = "alerts.price_drop"

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes alerts as JSON to a topic exchange for the
// delivery service to consume.
type AMQPPublisher struct {
	ch       Channel
	exchange string
	log      zerolog.Logger
	closeFn  func()
}

type priceDropMessage struct {
	Type string `json:"type"`
	alerts.Alert
}

func NewAMQPPublisher(ch Channel, exchange string, log zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		ch:       ch,
		exchange: exchange,
		log:      log.With().Str("component", "notify").Logger(),
		closeFn:  func() {},
	}
}

// DialAMQP connects, declares the exchange and returns a ready publisher.
func DialAMQP(url, exchange string, log zerolog.Logger) (*AMQPPublisher, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < 3; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msgf("failed to connect to RabbitMQ, retrying in 2s... (%d/3)", i+1)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p := NewAMQPPublisher(ch, exchange, log)
	p.closeFn = func() {
		ch.Close()
		conn.Close()
	}
	return p, nil
}

func (p *AMQPPublisher) Notify(ctx context.Context, a alerts.Alert) error {
	body, err := json.Marshal(priceDropMessage{Type: "price_drop", Alert: a})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		PriceDropRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    a.WatchTargetID + ":" + a.DetectedAt.UTC().Format(time.RFC3339),
			Timestamp:    a.DetectedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.log.Debug().Str("watch_target_id", a.WatchTargetID).Msg("published price drop alert")
	return nil
}

// Close releases the connection opened by DialAMQP.
func (p *AMQPPublisher) Close() { p.closeFn() }

var _ alerts.Notifier = (*AMQPPublisher)(nil)
