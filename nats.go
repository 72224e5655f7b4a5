package main

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NatsGateway publishes callback messages to NATS subjects. The connection is
// a process-wide singleton established at startup and shared by reference
// with every dispatcher.
type NatsGateway struct {
	conn *nats.Conn
}

func NewNatsGateway(url, user, password string) (*NatsGateway, error) {
	options := []nats.Option{nats.Name("timerd")}
	if user != "" && password != "" {
		options = append(options, nats.UserInfo(user, password))
	}
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, err
	}
	return &NatsGateway{conn: conn}, nil
}

// Publish is fire-and-forget: it returns once the client accepted the
// message. Subscriber presence is not checked.
func (gateway *NatsGateway) Publish(ctx context.Context, topic string, key string, headers map[string]string, body []byte) error {
	subject := topic
	if key != "" {
		subject = topic + "." + key
	}
	msg := &nats.Msg{Subject: subject, Data: body}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for name, value := range headers {
			msg.Header.Set(name, value)
		}
	}
	return gateway.conn.PublishMsg(msg)
}

func (gateway *NatsGateway) Close() error {
	return gateway.conn.Drain()
}
