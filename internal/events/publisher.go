package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wheylabs/demopay/internal/invoice"
)

const (
	exchange       = "invoices.events"
	routingKeyFmt  = "invoice.%s" // invoice.completed, invoice.expired, ...
	publishTimeout = 5 * time.Second
)

// InvoiceEvent is the JSON body published on terminal transitions. It carries
// no key material.
type InvoiceEvent struct {
	InvoiceID       string `json:"invoice_id"`
	Status          string `json:"status"`
	PaymentAddress  string `json:"payment_address"`
	Amount          string `json:"amount"`
	PaidAmount      string `json:"paid_amount,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Confirmations   uint64 `json:"confirmations,omitempty"`
	ChainID         int64  `json:"chain_id"`
	Timestamp       int64  `json:"timestamp"`
}

// Publisher emits invoice lifecycle notifications to RabbitMQ. Publishing is
// best effort: a broker outage is logged and never fails a status transition.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch, log: log}, nil
}

// InvoiceTerminal satisfies the monitor's and orchestrator's Notifier.
func (p *Publisher) InvoiceTerminal(ctx context.Context, inv *invoice.Invoice) {
	ev := InvoiceEvent{
		InvoiceID:       inv.ID,
		Status:          string(inv.Status),
		PaymentAddress:  inv.PaymentAddress,
		Amount:          inv.Amount,
		PaidAmount:      inv.PaidAmount,
		TransactionHash: inv.TransactionHash,
		Confirmations:   inv.Confirmations,
		ChainID:         inv.ChainID,
		Timestamp:       time.Now().Unix(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("events: marshal", zap.String("invoice", inv.ID), zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = p.channel.PublishWithContext(pubCtx,
		exchange,
		fmt.Sprintf(routingKeyFmt, inv.Status),
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		p.log.Warn("events: publish failed",
			zap.String("invoice", inv.ID),
			zap.String("status", string(inv.Status)),
			zap.Error(err),
		)
		return
	}
	p.log.Info("invoice event published",
		zap.String("invoice", inv.ID),
		zap.String("status", string(inv.Status)),
	)
}

func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close() //nolint:errcheck
	}
	if p.conn != nil {
		p.conn.Close() //nolint:errcheck
	}
}
