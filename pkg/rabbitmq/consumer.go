package rabbitmq

import (
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlerFunc processes one delivery body and reports whether it should be acknowledged.
// Returning false requeues the message.
type HandlerFunc func(body []byte) bool

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares the exchange and a durable queue, binds the queue to each
// routing key and starts dispatching deliveries in the background.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]HandlerFunc) error {
	if len(bindings) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]HandlerFunc, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if c.dispatch(handlers, d.RoutingKey, d.Body) {
				d.Ack(false)
			} else {
				d.Nack(false, true)
			}
		}
		c.logger.Warn("delivery channel closed", "component", "rabbitmq_consumer", "queue", q.Name)
	}()

	return nil
}

// dispatch reports whether the delivery should be acknowledged. Deliveries nobody
// handles are acknowledged so they do not cycle forever.
func (c *Consumer) dispatch(handlers map[string]HandlerFunc, routingKey string, body []byte) bool {
	handler, ok := handlers[routingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; acknowledging to drop", "component", "rabbitmq_consumer", "routing_key", routingKey)
		return true
	}
	if handler(body) {
		return true
	}
	c.logger.Warn("handler failed; re-queuing", "component", "rabbitmq_consumer", "routing_key", routingKey)
	return false
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
