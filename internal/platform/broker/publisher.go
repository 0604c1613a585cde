// Package broker publishes dispatched events to an AMQP topic exchange.
package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/workshift/internal/platform/events"
)

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type connection interface {
	Channel() (channel, error)
	Close() error
}

// DialFunc opens a broker connection.
type DialFunc func(url string) (connection, error)

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// Publisher is an events.Sink. The connection is opened on first delivery and
// dropped whenever the broker closes the channel or a publish fails, so the
// next delivery redials.
type Publisher struct {
	url      string
	exchange string
	dial     DialFunc
	logger   zerolog.Logger

	mu   sync.Mutex
	conn connection
	ch   channel
}

type Option func(*Publisher)

// WithDialer replaces amqp.Dial.
func WithDialer(d DialFunc) Option {
	return func(p *Publisher) { p.dial = d }
}

func NewPublisher(url, exchange string, logger zerolog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		url:      url,
		exchange: exchange,
		dial:     dialAMQP,
		logger:   logger.With().Str("component", "amqp").Str("exchange", exchange).Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) Name() string { return "amqp" }

// Deliver publishes m as a persistent JSON message routed by m.RoutingKey.
func (p *Publisher) Deliver(ctx context.Context, m events.Message) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, m.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    m.Time,
		Type:         m.Kind,
		Body:         m.Body,
	})
	if err != nil {
		p.mu.Lock()
		if p.ch == ch {
			p.resetLocked()
		}
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", m.Kind, err)
	}
	return nil
}

func (p *Publisher) channel() (channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return p.ch, nil
	}

	conn, err := p.dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go p.watch(ch, closed)

	p.conn, p.ch = conn, ch
	p.logger.Info().Msg("broker connected")
	return ch, nil
}

func (p *Publisher) watch(ch channel, closed <-chan *amqp.Error) {
	err, ok := <-closed
	if ok && err != nil {
		p.logger.Warn().Str("reason", err.Reason).Int("code", err.Code).Msg("broker channel closed")
	}

	p.mu.Lock()
	if p.ch == ch {
		p.resetLocked()
	}
	p.mu.Unlock()
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *Publisher) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil
}

// Close drops the connection. A later Deliver reconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
	return nil
}
