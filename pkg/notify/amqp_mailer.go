package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultMailExchange = "bms.mail"

// AMQPMailer publishes mail messages to an exchange that the mail gateway
// consumes. Publishes wait for the broker's confirm.
type AMQPMailer struct {
	url        string
	exchange   string
	routingKey string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPMailer(url, exchange string) (*AMQPMailer, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultMailExchange
	}
	return &AMQPMailer{url: url, exchange: exchange, routingKey: "mail.outgoing"}, nil
}

func (m *AMQPMailer) Send(ctx context.Context, mail Mail) error {
	if len(mail.To) == 0 {
		return nil
	}
	msg, err := mailPublishing(mail, time.Now().UTC())
	if err != nil {
		return err
	}
	ch, err := m.channel()
	if err != nil {
		return err
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, m.exchange, m.routingKey, true, false, msg)
	if err != nil {
		m.reset()
		return fmt.Errorf("publish mail: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait mail confirm: %w", err)
	}
	if !acked {
		return errors.New("mail publish nacked by broker")
	}
	return nil
}

// Close releases the broker connection.
func (m *AMQPMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn, m.ch = nil, nil
	return err
}

func (m *AMQPMailer) channel() (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil && !m.ch.IsClosed() {
		return m.ch, nil
	}
	if m.conn == nil || m.conn.IsClosed() {
		conn, err := amqp.Dial(m.url)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		m.conn = conn
	}
	ch, err := m.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(m.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare mail exchange: %w", err)
	}
	m.ch = ch
	return ch, nil
}

func (m *AMQPMailer) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		_ = m.ch.Close()
		m.ch = nil
	}
}

func mailPublishing(mail Mail, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(mail)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode mail: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Type:         "mail",
		MessageId:    mail.ID,
		Body:         body,
	}, nil
}
