// Package broker fans executed trades out to a RabbitMQ fanout exchange so
// downstream consumers (charts, analytics, notifications) can follow the
// market without polling.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/predictx/market-engine/internal/metrics"
	"github.com/predictx/market-engine/internal/trade"
)

const (
	queueSize      = 1024
	publishTimeout = 5 * time.Second
	drainTimeout   = 5 * time.Second
)

// channel is the part of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Message is the JSON body published for every executed trade.
type Message struct {
	TradeID    string               `json:"trade_id"`
	EventID    string               `json:"event_id"`
	OutcomeID  string               `json:"outcome_id"`
	UserID     string               `json:"user_id"`
	Side       string               `json:"side"`
	Shares     string               `json:"shares"`
	Amount     string               `json:"amount"`
	Price      string               `json:"price"`
	AfterPrice string               `json:"after_price"`
	ExecutedAt time.Time            `json:"executed_at"`
	Prices     []trade.OutcomePrice `json:"prices"`
}

func newMessage(n trade.Notice) Message {
	t := n.Trade
	return Message{
		TradeID:    t.ID,
		EventID:    t.EventID,
		OutcomeID:  t.OutcomeID,
		UserID:     t.UserID,
		Side:       string(t.Side),
		Shares:     t.Size.String(),
		Amount:     t.Amount.String(),
		Price:      t.Price.String(),
		AfterPrice: t.AfterPrice.String(),
		ExecutedAt: t.CreatedAt,
		Prices:     n.Prices,
	}
}

// Publisher implements trade.Notifier. Notices are queued and published
// from Run so a slow broker never stalls trade execution; when the queue
// is full the notice is dropped and counted.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	queue    chan Message

	closeOnce sync.Once
}

// Dial connects to RabbitMQ and declares a durable fanout exchange.
func Dial(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := newPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		queue:    make(chan Message, queueSize),
	}
}

// TradeExecuted implements trade.Notifier.
func (p *Publisher) TradeExecuted(_ context.Context, n trade.Notice) {
	select {
	case p.queue <- newMessage(n):
	default:
		metrics.BrokerPublishFailures.Inc()
		slog.Warn("broker queue full, dropping trade", "trade_id", n.Trade.ID)
	}
}

// Run publishes queued trades until ctx is cancelled, then drains what is
// left in the queue within drainTimeout.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case msg := <-p.queue:
			p.send(ctx, msg)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.send(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, msg Message) {
	if err := p.publish(ctx, msg); err != nil {
		metrics.BrokerPublishFailures.Inc()
		slog.Error("publish trade failed", "trade_id", msg.TradeID, "exchange", p.exchange, "err", err)
	}
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TradeID,
		Type:         "trade_executed",
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if err := p.channel.Close(); err != nil {
			slog.Error("close rabbitmq channel", "err", err)
		}
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				slog.Error("close rabbitmq connection", "err", err)
			}
		}
	})
}
