package rabbitmq

import (
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning false requeues the message.
type Handler func(body []byte) bool

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
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

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares a durable queue, binds it to every routing key in
// bindings and dispatches deliveries to the matching handler on a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	routes := make(deliveryRoutes)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		routes[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go routes.serve(q.Name, msgs)
	return nil
}

// deliveryRoutes maps a routing key to the handler that settles its deliveries.
type deliveryRoutes map[string]Handler

type settlement string

const (
	settledAck     settlement = "ack"
	settledRequeue settlement = "requeue"
	settledDropped settlement = "dropped"
)

// serve settles deliveries until the broker closes msgs.
func (r deliveryRoutes) serve(queue string, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		r.dispatch(d)
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", queue)
}

// dispatch runs the handler bound to the delivery's routing key and acks or requeues it.
// Deliveries without a handler are acked so they cannot loop on the queue.
func (r deliveryRoutes) dispatch(d amqp.Delivery) settlement {
	handler, ok := r[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
		settle(d, d.Ack(false))
		return settledDropped
	}
	if handler(d.Body) {
		settle(d, d.Ack(false))
		return settledAck
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeueing\" routing_key=%s delivery_tag=%d", d.RoutingKey, d.DeliveryTag)
	settle(d, d.Nack(false, true))
	return settledRequeue
}

func settle(d amqp.Delivery, err error) {
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"delivery settle failed\" routing_key=%s delivery_tag=%d err=%v", d.RoutingKey, d.DeliveryTag, err)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
