package utils

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ─── CONNECTION AND CHANNEL MANAGEMENT ────────────────────────────────────

func NewRabbitMQClient(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func NewChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel :%w", err)
	}
	return ch, nil
}

// ─── EXCHANGE OPERATIONS ──────────────────────────────────────────────────

func DeclareExchange(ch *amqp.Channel, exchange string) error {
	err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error while declaring an exchange: %w", err)
	}
	return nil
}

// ─── ERROR CLASSIFICATION ─────────────────────────────────────────────────

// IsFatalError reports connection level failures after which the channel must be reopened.
func IsFatalError(err error) bool {
	errorStr := strings.ToLower(err.Error())
	if strings.Contains(errorStr, "connection closed") || strings.Contains(errorStr, "channel closed") {
		return true
	}
	return strings.Contains(errorStr, "channel/connection is not open")
}
