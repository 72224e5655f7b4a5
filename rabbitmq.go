package main

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitGateway is the AMQP implementation of the publish transport: the
// callback topic maps to the exchange and the routing key is used as-is. The
// channel runs in confirm mode so a rejected publish surfaces as an error.
type RabbitGateway struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

func NewRabbitGateway(url string) (*RabbitGateway, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitGateway{connection: conn, channel: channel}, nil
}

func (gateway *RabbitGateway) Publish(ctx context.Context, topic string, key string, headers map[string]string, body []byte) error {
	var table amqp.Table
	if len(headers) > 0 {
		table = amqp.Table{}
		for name, value := range headers {
			table[name] = value
		}
	}
	deferred, err := gateway.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		topic, // exchange
		key,   // routing key
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Headers:     table,
			Body:        body,
		},
	)
	if err != nil {
		return err
	}
	if !deferred.Wait() {
		return errors.New("AMQP broker rejected message")
	}
	return nil
}

func (gateway *RabbitGateway) Close() error {
	if err := gateway.channel.Close(); err != nil {
		gateway.connection.Close()
		return err
	}
	return gateway.connection.Close()
}
