package dbio

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"midas.oar.dev/common"
)

// AMQPConnection abstracts the parts of an AMQP connection the notifier
// uses, allowing injection of a fake for testing.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the channel operations the notifier uses.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDialer establishes AMQP connections.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

type realDialer struct{}

type realConnection struct{ conn *amqp.Connection }

func (d realDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

func (c *realConnection) Channel() (AMQPChannel, error) { return c.conn.Channel() }
func (c *realConnection) Close() error                  { return c.conn.Close() }

// NotifierConfig configures the record-event notifier.
type NotifierConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// AMQPNotifier publishes record events to a durable RabbitMQ queue so that
// downstream services (indexing, preservation triggers) learn of record
// changes.  Delivery is best-effort: the DBIO client logs and swallows
// notification failures.
type AMQPNotifier struct {
	connection AMQPConnection
	channel    AMQPChannel
	queue      string
}

// NewAMQPNotifier connects to RabbitMQ and declares the durable event
// queue.
func NewAMQPNotifier(cfg NotifierConfig) (*AMQPNotifier, error) {
	return newAMQPNotifierWithDialer(cfg, realDialer{})
}

func newAMQPNotifierWithDialer(cfg NotifierConfig, dialer AMQPDialer) (*AMQPNotifier, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, ConfigError("notifier: url and queue are required")
	}
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &AMQPNotifier{connection: conn, channel: ch, queue: cfg.Queue}, nil
}

// Notify implements Notifier by publishing the event as JSON to the queue.
func (n *AMQPNotifier) Notify(event RecordEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal record event: %w", err)
	}
	err = n.channel.Publish("", n.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish record event: %w", err)
	}
	common.Logger.WithField("service", "dbio").
		Debugf("published %s notification for %s", event.Operation, event.RecordID)
	return nil
}

// Close shuts down the channel and connection.
func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.connection != nil {
		n.connection.Close()
	}
	return nil
}
