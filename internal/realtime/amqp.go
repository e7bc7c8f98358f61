package realtime

import (
	"context"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"roulette-chat/internal/delivery"
	"roulette-chat/internal/models"
	"roulette-chat/internal/rabbitmq"
)

// AMQPFeed consumes change events published on the chat exchange.
type AMQPFeed struct {
	url      string
	exchange string
}

// NewAMQPFeed builds a feed bound to exchange on the broker at url.
func NewAMQPFeed(url, exchange string) *AMQPFeed {
	return &AMQPFeed{url: url, exchange: exchange}
}

// Subscribe declares a private queue bound to every message routing key.
func (f *AMQPFeed) Subscribe(ctx context.Context) (delivery.Subscription, error) {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	closeAll := func() error {
		_ = ch.Close()
		return conn.Close()
	}

	if err := rabbitmq.DeclareExchange(ch, f.exchange); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "messages.*", f.exchange, false, nil); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("amqp bind queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	sub := newSubscription(closeAll)
	go pumpDeliveries(deliveries, sub)
	log.Printf("realtime amqp subscribed exchange=%s queue=%s", f.exchange, q.Name)
	return sub, nil
}

func pumpDeliveries(deliveries <-chan amqp.Delivery, sub *subscription) {
	defer close(sub.events)
	for {
		select {
		case <-sub.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ev, err := fromDelivery(d)
			if err != nil {
				log.Printf("realtime amqp bad payload routing_key=%s: %v", d.RoutingKey, err)
				continue
			}
			if !sub.emit(ev) {
				return
			}
		}
	}
}

func fromDelivery(d amqp.Delivery) (models.ChangeEvent, error) {
	return decodeEvent(d.Body)
}
