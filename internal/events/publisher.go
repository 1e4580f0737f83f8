// Package events pushes order, trade, and alert notifications over Redis
// pub/sub. Delivery is best effort; the ledger is the source of truth and
// a dropped message is never compensated.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brokerage/portfolio-engine/pkg/logger"
)

const (
	orderChannelPrefix = "portfolio.orders."
	tradeChannelPrefix = "portfolio.trades."
	alertChannelPrefix = "portfolio.alerts."

	publishTimeout = 2 * time.Second
)

// Envelope wraps every published message.
type Envelope struct {
	Event       string      `json:"event"`
	Data        interface{} `json:"data"`
	TimestampMs int64       `json:"timestampMs"`
}

// Publisher fans out engine events on per-user channels.
type Publisher struct {
	client *redis.Client
	log    *logger.Logger
}

func NewPublisher(client *redis.Client, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.New("events", nil)
	}
	return &Publisher{client: client, log: log}
}

// PublishOrderEvent announces an order status change (created, filled,
// cancelled, rejected).
func (p *Publisher) PublishOrderEvent(ctx context.Context, userID int64, event string, order interface{}) error {
	return p.publish(ctx, fmt.Sprintf("%s%d", orderChannelPrefix, userID), event, order)
}

// PublishTradeEvent announces a settled fill.
func (p *Publisher) PublishTradeEvent(ctx context.Context, userID int64, trade interface{}) error {
	return p.publish(ctx, fmt.Sprintf("%s%d", tradeChannelPrefix, userID), "trade", trade)
}

// PublishAlerts announces the current risk alert set for a user.
func (p *Publisher) PublishAlerts(ctx context.Context, userID int64, alerts interface{}) error {
	return p.publish(ctx, fmt.Sprintf("%s%d", alertChannelPrefix, userID), "alerts", alerts)
}

func (p *Publisher) publish(ctx context.Context, channel, event string, data interface{}) error {
	payload, err := json.Marshal(Envelope{
		Event:       event,
		Data:        data,
		TimestampMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
