package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends appointment events to RabbitMQ.  A connection is opened
// per message; confirmations are rare enough that pooling is not needed.
type Publisher struct {
	url string
}

// NewPublisher returns a publisher for the broker at url.
func NewPublisher(url string) *Publisher { return &Publisher{url: url} }

// PublishAppointmentConfirmed publishes ev to the durable
// booking.confirmed queue as a persistent message.  Errors are logged and
// returned; callers treat them as non-fatal.
func (p *Publisher) PublishAppointmentConfirmed(ctx context.Context, ev AppointmentConfirmedEvent) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		slog.Warn("rabbitmq dial failed", "error", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		slog.Warn("rabbitmq channel open failed", "error", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		AppointmentQueue, // name
		true,             // durable
		false,            // autoDelete
		false,            // exclusive
		false,            // noWait
		nil,              // args
	); err != nil {
		slog.Warn("rabbitmq queue declare failed", "error", err)
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    ev.BookingID,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", AppointmentQueue, false, false, pub); err != nil {
		slog.Warn("rabbitmq publish failed", "booking_id", ev.BookingID, "error", err)
		return err
	}
	return nil
}
